package model

import (
	"time"

	"github.com/google/uuid"
)

// AnswerRecord is the mutable per-slot state of a live session.
// SelectedOptionIndex nil means unattempted.
type AnswerRecord struct {
	QuestionID          string    `json:"question_id"`
	SelectedOptionIndex *int      `json:"selected_option_index"`
	TimeSpentSeconds    float64   `json:"time_spent_seconds"`
	LastModifiedAt      time.Time `json:"last_modified_at"`
	Version             int64     `json:"version"`
}

// Attempted reports whether an option is selected.
func (r AnswerRecord) Attempted() bool {
	return r.SelectedOptionIndex != nil
}

// Clone returns a deep copy of the record.
func (r AnswerRecord) Clone() AnswerRecord {
	if r.SelectedOptionIndex != nil {
		v := *r.SelectedOptionIndex
		r.SelectedOptionIndex = &v
	}
	return r
}

// AutosaveDelta is a point-in-time snapshot of one AnswerRecord queued for durable write.
type AutosaveDelta struct {
	SessionID uuid.UUID    `json:"session_id"`
	Record    AnswerRecord `json:"record"`
}

// AutosaveHealth is the non-fatal health signal of a session's autosave channel.
type AutosaveHealth struct {
	Degraded            bool       `json:"degraded"`
	Pending             int        `json:"pending"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	DroppedDeltas       int        `json:"dropped_deltas"`
	StaleRejected       int        `json:"stale_rejected"`
	LastError           string     `json:"last_error,omitempty"`
	LastFlushAt         *time.Time `json:"last_flush_at,omitempty"`
}

// SetAnswerRequest is the payload for selecting or clearing an answer.
// A nil option_index clears the selection.
type SetAnswerRequest struct {
	OptionIndex      *int       `json:"option_index" binding:"omitempty,min=0"`
	TimeSpentSeconds float64    `json:"time_spent_seconds" binding:"min=0,max=86400"`
	ModifiedAt       *time.Time `json:"modified_at" binding:"omitempty"`
}

// TimeSpentRequest carries accumulated time deltas for several questions.
type TimeSpentRequest struct {
	Entries []TimeSpentEntry `json:"entries" binding:"required,min=1,max=500,dive"`
}

// TimeSpentEntry is one question's time delta.
type TimeSpentEntry struct {
	QuestionID string  `json:"question_id" binding:"required,max=128"`
	Seconds    float64 `json:"seconds" binding:"min=0,max=86400"`
}
