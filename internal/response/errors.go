package response

import (
	"errors"
	"net/http"

	"github.com/stemsi/exstem-assessment/internal/model"
)

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden       ErrCode = "FORBIDDEN"
	ErrNotSessionOwner ErrCode = "NOT_SESSION_OWNER"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrConflict ErrCode = "CONFLICT"

	// ─── Session ───────────────────────────────────────────────────────
	ErrSessionNotFound   ErrCode = "SESSION_NOT_FOUND"
	ErrSessionNotStarted ErrCode = "SESSION_NOT_STARTED"
	ErrSessionClosed     ErrCode = "SESSION_CLOSED"
	ErrInvalidTransition ErrCode = "INVALID_TRANSITION"
	ErrUnknownQuestion   ErrCode = "UNKNOWN_QUESTION"
	ErrInvalidOption     ErrCode = "INVALID_OPTION"
	ErrInvalidTimeSpent  ErrCode = "INVALID_TIME_SPENT"
	ErrStaleWrite        ErrCode = "STALE_WRITE"
	ErrResultPending     ErrCode = "RESULT_PENDING"

	// ─── Server ────────────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"
	ErrInternal          ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Authentication token is required."
	case ErrTokenInvalid:
		return "Authentication token is invalid."
	case ErrTokenExpired:
		return "Authentication token has expired."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "You are not allowed to access this resource."
	case ErrNotSessionOwner:
		return "This session belongs to another user."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."
	case ErrConflict:
		return "Resource already exists."

	// ─── Session ───────────────────────────────────────────────────────
	case ErrSessionNotFound:
		return "Session not found."
	case ErrSessionNotStarted:
		return "The session has not started yet."
	case ErrSessionClosed:
		return "The session is closed and no longer accepts answers."
	case ErrInvalidTransition:
		return "The session cannot move to the requested state."
	case ErrUnknownQuestion:
		return "The question is not part of this session."
	case ErrInvalidOption:
		return "The selected option does not exist."
	case ErrInvalidTimeSpent:
		return "Time spent must not be negative."
	case ErrStaleWrite:
		return "A newer answer for this question is already stored."
	case ErrResultPending:
		return "The result is not available yet."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please slow down."
	case ErrInternal:
		return "Internal server error."
	default:
		return "An unexpected error occurred."
	}
}

// FromError maps a domain error to an HTTP status and error code.
func FromError(err error) (int, ErrCode) {
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		return http.StatusNotFound, ErrSessionNotFound
	case errors.Is(err, model.ErrNotSessionOwner):
		return http.StatusForbidden, ErrNotSessionOwner
	case errors.Is(err, model.ErrSessionNotStarted):
		return http.StatusConflict, ErrSessionNotStarted
	case errors.Is(err, model.ErrSessionClosed):
		return http.StatusConflict, ErrSessionClosed
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict, ErrInvalidTransition
	case errors.Is(err, model.ErrUnknownQuestion):
		return http.StatusNotFound, ErrUnknownQuestion
	case errors.Is(err, model.ErrInvalidOption):
		return http.StatusUnprocessableEntity, ErrInvalidOption
	case errors.Is(err, model.ErrInvalidTimeSpent):
		return http.StatusUnprocessableEntity, ErrInvalidTimeSpent
	case errors.Is(err, model.ErrStaleWrite):
		return http.StatusConflict, ErrStaleWrite
	case errors.Is(err, model.ErrResultPending):
		return http.StatusAccepted, ErrResultPending
	default:
		return http.StatusInternalServerError, ErrInternal
	}
}
