package model

import "errors"

// Domain errors shared by the engine packages.
var (
	ErrSessionClosed      = errors.New("session is closed")
	ErrSessionNotStarted  = errors.New("session has not started")
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidTransition  = errors.New("invalid session state transition")
	ErrAutosaveTransport  = errors.New("autosave transport failure")
	ErrScoringUnavailable = errors.New("scoring unavailable")
	ErrUnknownQuestion    = errors.New("question is not part of this session")
	ErrInvalidOption      = errors.New("option index out of range")
	ErrInvalidTimeSpent   = errors.New("time spent must not be negative")
	ErrStaleWrite         = errors.New("write is older than the stored answer")
	ErrResultPending      = errors.New("result is not recorded yet")
	ErrAlreadyRecorded    = errors.New("session result already recorded")
	ErrNotSessionOwner    = errors.New("session belongs to another user")
)
