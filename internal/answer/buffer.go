// Package answer holds the in-memory answer state of one live session.
package answer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-assessment/internal/model"
)

// Sink receives a delta for every accepted mutation. It is called while the
// buffer lock is held and must not block.
type Sink func(model.AutosaveDelta)

// Buffer records the current answer and time spent per question.
// Every slot has a record from construction on; records are never deleted.
type Buffer struct {
	sessionID uuid.UUID

	mu      sync.Mutex
	records map[string]*model.AnswerRecord
	options map[string]int
	order   []string
	frozen  bool
	sink    Sink
	now     func() time.Time
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithSink forwards accepted mutations to s.
func WithSink(s Sink) Option {
	return func(b *Buffer) { b.sink = s }
}

// WithNow overrides the time source used for LastModifiedAt.
func WithNow(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// NewBuffer initializes one unattempted record per slot.
func NewBuffer(sessionID uuid.UUID, slots []model.QuestionSlot, opts ...Option) *Buffer {
	b := &Buffer{
		sessionID: sessionID,
		records:   make(map[string]*model.AnswerRecord, len(slots)),
		options:   make(map[string]int, len(slots)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	sorted := append([]model.QuestionSlot(nil), slots...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].OrderIndex < sorted[j].OrderIndex })

	for _, s := range sorted {
		if _, dup := b.records[s.QuestionID]; dup {
			continue
		}
		b.records[s.QuestionID] = &model.AnswerRecord{QuestionID: s.QuestionID}
		b.options[s.QuestionID] = len(s.Options)
		b.order = append(b.order, s.QuestionID)
	}
	return b
}

// SetAnswer overwrites the selection for a question. A nil option clears it.
// at is the client's modification time; the zero value means now and a time
// ahead of the server clock is capped at now. A write older than the stored
// LastModifiedAt loses to it and returns ErrStaleWrite.
func (b *Buffer) SetAnswer(questionID string, option *int, at time.Time) (model.AnswerRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.mutable(questionID)
	if err != nil {
		return model.AnswerRecord{}, err
	}
	if option != nil && (*option < 0 || *option >= b.options[questionID]) {
		return model.AnswerRecord{}, fmt.Errorf("%w: %d", model.ErrInvalidOption, *option)
	}
	if now := b.now(); at.IsZero() || at.After(now) {
		at = now
	}
	if at.Before(rec.LastModifiedAt) {
		return rec.Clone(), model.ErrStaleWrite
	}

	if option == nil {
		rec.SelectedOptionIndex = nil
	} else {
		v := *option
		rec.SelectedOptionIndex = &v
	}
	rec.LastModifiedAt = at
	rec.Version++

	b.emit(rec)
	return rec.Clone(), nil
}

// AddTimeSpent accumulates time spent on a question.
func (b *Buffer) AddTimeSpent(questionID string, seconds float64) (model.AnswerRecord, error) {
	if seconds < 0 {
		return model.AnswerRecord{}, model.ErrInvalidTimeSpent
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.mutable(questionID)
	if err != nil {
		return model.AnswerRecord{}, err
	}
	if seconds == 0 {
		return rec.Clone(), nil
	}
	rec.TimeSpentSeconds += seconds
	rec.Version++

	b.emit(rec)
	return rec.Clone(), nil
}

// Freeze makes the buffer immutable and returns the final snapshot.
// Freezing twice returns the same content.
func (b *Buffer) Freeze() map[string]model.AnswerRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.frozen = true
	return b.snapshotLocked()
}

// Frozen reports whether Freeze has been called.
func (b *Buffer) Frozen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frozen
}

// Snapshot returns an immutable copy of all records keyed by question ID.
func (b *Buffer) Snapshot() map[string]model.AnswerRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Records returns a copy of all records in slot order.
func (b *Buffer) Records() []model.AnswerRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]model.AnswerRecord, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.records[id].Clone())
	}
	return out
}

func (b *Buffer) mutable(questionID string) (*model.AnswerRecord, error) {
	if b.frozen {
		return nil, model.ErrSessionClosed
	}
	rec, ok := b.records[questionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownQuestion, questionID)
	}
	return rec, nil
}

func (b *Buffer) emit(rec *model.AnswerRecord) {
	if b.sink == nil {
		return
	}
	b.sink(model.AutosaveDelta{SessionID: b.sessionID, Record: rec.Clone()})
}

func (b *Buffer) snapshotLocked() map[string]model.AnswerRecord {
	out := make(map[string]model.AnswerRecord, len(b.records))
	for id, rec := range b.records {
		out[id] = rec.Clone()
	}
	return out
}
