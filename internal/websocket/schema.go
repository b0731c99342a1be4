package websocket

import (
	"time"

	"github.com/stemsi/exstem-assessment/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer Action = "answer"
	ActionTime   Action = "time"
	ActionSubmit Action = "submit"
	ActionPing   Action = "ping"
)

// RequestPayload carries every client action. Fields unused by an action
// are ignored.
type RequestPayload struct {
	Action Action `json:"action"`

	// answer
	QuestionID       string     `json:"question_id,omitempty"`
	OptionIndex      *int       `json:"option_index,omitempty"`
	TimeSpentSeconds float64    `json:"time_spent_seconds,omitempty"`
	ModifiedAt       *time.Time `json:"modified_at,omitempty"`

	// time
	Entries []model.TimeSpentEntry `json:"entries,omitempty"`
}

// AnswerRequest converts an answer action into the REST payload shape.
func (p *RequestPayload) AnswerRequest() model.SetAnswerRequest {
	return model.SetAnswerRequest{
		OptionIndex:      p.OptionIndex,
		TimeSpentSeconds: p.TimeSpentSeconds,
		ModifiedAt:       p.ModifiedAt,
	}
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventSaved      Event = "saved"
	EventTimeSaved  Event = "time_saved"
	EventSubmitting Event = "submitting"
	EventSubmitted  Event = "submitted"
	EventExpired    Event = "expired"
	EventPong       Event = "pong"
	EventError      Event = "error"
)

// ResponsePayload wraps every server event.
type ResponsePayload struct {
	Event Event       `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// ErrorResponse reports a rejected action. Code matches the REST error codes.
type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

// TerminalEvent picks the event announcing a finished session.
func TerminalEvent(state model.SessionState) Event {
	if state == model.SessionStateExpired {
		return EventExpired
	}
	return EventSubmitted
}
