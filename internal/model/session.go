package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionState enumerates the lifecycle states of a timed session.
type SessionState string

const (
	SessionStateCreated    SessionState = "CREATED"
	SessionStateInProgress SessionState = "IN_PROGRESS"
	SessionStateSubmitting SessionState = "SUBMITTING"
	SessionStateSubmitted  SessionState = "SUBMITTED"
	SessionStateExpired    SessionState = "EXPIRED"
)

// Terminal reports whether no transition may leave the state.
func (s SessionState) Terminal() bool {
	return s == SessionStateSubmitted || s == SessionStateExpired
}

// Session identifies one timed attempt at a test by one user.
type Session struct {
	ID               uuid.UUID    `json:"id"`
	UserID           string       `json:"user_id"`
	TestDefinitionID string       `json:"test_definition_id"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	DurationSeconds  int          `json:"duration_seconds"`
	State            SessionState `json:"state"`
	CreatedAt        time.Time    `json:"created_at"`
}

// TestDefinition is the generated test content delivered once at session creation.
type TestDefinition struct {
	ID              string         `json:"id"`
	DurationSeconds int            `json:"duration_seconds"`
	Slots           []QuestionSlot `json:"slots"`
}

// CreateSessionRequest is the payload for creating a session from a test definition.
type CreateSessionRequest struct {
	TestDefinitionID string             `json:"test_definition_id" binding:"required,max=128"`
	DurationSeconds  int                `json:"duration_seconds" binding:"required,min=1,max=28800"`
	Slots            []SlotInputRequest `json:"slots" binding:"required,min=1,max=500,dive"`
}

// SlotInputRequest is one question slot inside CreateSessionRequest.
type SlotInputRequest struct {
	QuestionID         string   `json:"question_id" binding:"required,max=128"`
	OrderIndex         int      `json:"order_index" binding:"min=0"`
	Subject            string   `json:"subject" binding:"required,max=128"`
	Concept            string   `json:"concept" binding:"required,max=128"`
	Subtopic           string   `json:"subtopic" binding:"omitempty,max=128"`
	Options            []string `json:"options" binding:"required,min=2,max=10"`
	CorrectOptionIndex int      `json:"correct_option_index" binding:"min=0"`
}

// Definition converts the request into a TestDefinition.
func (r *CreateSessionRequest) Definition() TestDefinition {
	slots := make([]QuestionSlot, len(r.Slots))
	for i, s := range r.Slots {
		slots[i] = QuestionSlot{
			QuestionID:         s.QuestionID,
			OrderIndex:         s.OrderIndex,
			Subject:            s.Subject,
			Concept:            s.Concept,
			Subtopic:           s.Subtopic,
			Options:            append([]string(nil), s.Options...),
			CorrectOptionIndex: s.CorrectOptionIndex,
		}
	}
	return TestDefinition{
		ID:              r.TestDefinitionID,
		DurationSeconds: r.DurationSeconds,
		Slots:           slots,
	}
}

// SessionView is what a client sees about a live session.
type SessionView struct {
	Session
	RemainingSeconds float64         `json:"remaining_seconds"`
	Questions        []SlotForClient `json:"questions,omitempty"`
	Answers          []AnswerRecord  `json:"answers"`
	Autosave         AutosaveHealth  `json:"autosave"`
}
