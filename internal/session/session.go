// Package session implements the lifecycle of one timed attempt:
// CREATED -> IN_PROGRESS -> SUBMITTING -> SUBMITTED | EXPIRED.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-assessment/internal/analytics"
	"github.com/stemsi/exstem-assessment/internal/answer"
	"github.com/stemsi/exstem-assessment/internal/autosave"
	"github.com/stemsi/exstem-assessment/internal/clock"
	"github.com/stemsi/exstem-assessment/internal/model"
)

// ResultStore durably records the final result of a session, once.
// Recording an already recorded session returns model.ErrAlreadyRecorded.
type ResultStore interface {
	SaveResult(ctx context.Context, result model.SessionResult) error
}

// Retrier re-attempts recording a frozen session in the background.
type Retrier interface {
	Schedule(ctx context.Context, job FinalizeJob) error
}

// closeMarker is implemented by answer stores that can reject late writes
// for a finalized session on their own.
type closeMarker interface {
	MarkClosed(ctx context.Context, sessionID uuid.UUID) error
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Answers           autosave.Store
	Results           ResultStore
	Retrier           Retrier
	Analytics         *analytics.Engine
	Autosave          autosave.Config
	FinalFlushTimeout time.Duration
	SaveTimeout       time.Duration
	// SubmitReplyWindow is how long Submit waits for recording before it
	// answers with the frozen, still SUBMITTING, session.
	SubmitReplyWindow time.Duration
	Log               zerolog.Logger

	// OnTerminal runs once, after the session reaches SUBMITTED or EXPIRED.
	OnTerminal func(*Session)
}

func (d Deps) withDefaults() Deps {
	if d.Analytics == nil {
		d.Analytics = analytics.New(analytics.DefaultThresholds())
	}
	if d.FinalFlushTimeout <= 0 {
		d.FinalFlushTimeout = 2 * time.Second
	}
	if d.SaveTimeout <= 0 {
		d.SaveTimeout = 5 * time.Second
	}
	if d.SubmitReplyWindow <= 0 {
		d.SubmitReplyWindow = 500 * time.Millisecond
	}
	return d
}

// Session owns the clock, answer buffer and autosave channel of one attempt.
type Session struct {
	deps  Deps
	log   zerolog.Logger
	slots []model.QuestionSlot
	key   model.AnswerKey

	buffer   *answer.Buffer
	clock    *clock.Clock
	autosave *autosave.Channel

	mu        sync.Mutex
	meta      model.Session
	result    *model.SessionResult
	err       error
	abandoned bool

	done chan struct{}
}

// New creates a session in the CREATED state. Every slot starts unattempted.
func New(id uuid.UUID, userID string, def model.TestDefinition, deps Deps) *Session {
	deps = deps.withDefaults()

	s := &Session{
		deps:  deps,
		log:   deps.Log.With().Str("component", "session").Str("session_id", id.String()).Logger(),
		slots: append([]model.QuestionSlot(nil), def.Slots...),
		key:   model.KeyFromSlots(def.Slots),
		clock: clock.New(),
		meta: model.Session{
			ID:               id,
			UserID:           userID,
			TestDefinitionID: def.ID,
			DurationSeconds:  def.DurationSeconds,
			State:            model.SessionStateCreated,
			CreatedAt:        time.Now(),
		},
		done: make(chan struct{}),
	}
	s.autosave = autosave.NewChannel(deps.Answers, deps.Autosave, s.log)
	s.buffer = answer.NewBuffer(id, def.Slots, answer.WithSink(func(d model.AutosaveDelta) {
		s.autosave.Enqueue(d)
	}))
	return s
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID {
	return s.meta.ID
}

// Meta returns a copy of the session record.
func (s *Session) Meta() model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.meta
	if m.StartedAt != nil {
		t := *m.StartedAt
		m.StartedAt = &t
	}
	return m
}

// State returns the current lifecycle state.
func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.State
}

// Slots returns the question slots in definition order.
func (s *Session) Slots() []model.QuestionSlot {
	return append([]model.QuestionSlot(nil), s.slots...)
}

// Start moves CREATED to IN_PROGRESS and starts the countdown and the
// autosave loop.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.abandoned {
		s.mu.Unlock()
		return model.ErrSessionNotFound
	}
	if s.meta.State != model.SessionStateCreated {
		state := s.meta.State
		s.mu.Unlock()
		return fmt.Errorf("%w: start from %s", model.ErrInvalidTransition, state)
	}
	// The clock is armed before the lock is released so a Submit racing
	// this call always finds a running clock to cancel.
	if err := s.clock.Start(time.Duration(s.meta.DurationSeconds)*time.Second, s.onDeadline); err != nil {
		s.mu.Unlock()
		return err
	}
	now := time.Now()
	s.meta.State = model.SessionStateInProgress
	s.meta.StartedAt = &now
	s.mu.Unlock()

	go s.autosave.Start()

	s.log.Info().Int("duration_seconds", s.meta.DurationSeconds).Msg("Session started")
	return nil
}

// abandon marks a session that was never started so that Start refuses it.
// It reports false once the session has started.
func (s *Session) abandon() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta.State != model.SessionStateCreated {
		return false
	}
	s.abandoned = true
	return true
}

// SetAnswer selects or clears (nil) the answer to a question.
func (s *Session) SetAnswer(questionID string, option *int, at time.Time) (model.AnswerRecord, error) {
	if err := s.acceptingWrites(); err != nil {
		return model.AnswerRecord{}, err
	}
	return s.buffer.SetAnswer(questionID, option, at)
}

// AddTimeSpent accumulates time spent on a question.
func (s *Session) AddTimeSpent(questionID string, seconds float64) (model.AnswerRecord, error) {
	if err := s.acceptingWrites(); err != nil {
		return model.AnswerRecord{}, err
	}
	return s.buffer.AddTimeSpent(questionID, seconds)
}

func (s *Session) acceptingWrites() error {
	switch s.State() {
	case model.SessionStateCreated:
		return model.ErrSessionNotStarted
	case model.SessionStateInProgress:
		return nil
	default:
		return model.ErrSessionClosed
	}
}

// Submit freezes the session and finalizes it in the background. Only the
// first of Submit and the deadline wins; a losing Submit gets
// ErrInvalidTransition. Once the answers are frozen Submit waits at most
// SubmitReplyWindow for recording and returns the state reached: SUBMITTING
// means recording is still running, EXPIRED means the answers are frozen but
// the result could not be recorded yet and will be retried.
func (s *Session) Submit(ctx context.Context) (model.SessionState, error) {
	if !s.transition(model.SessionStateInProgress, model.SessionStateSubmitting) {
		return s.State(), fmt.Errorf("%w: submit from %s", model.ErrInvalidTransition, s.State())
	}
	frozen, frozenAt := s.freeze()
	go s.finalize(ctx, "submit", frozen, frozenAt)

	wait := time.NewTimer(s.deps.SubmitReplyWindow)
	defer wait.Stop()
	select {
	case <-s.done:
	case <-wait.C:
	case <-ctx.Done():
	}
	return s.State(), nil
}

func (s *Session) onDeadline() {
	if !s.transition(model.SessionStateInProgress, model.SessionStateSubmitting) {
		return
	}
	frozen, frozenAt := s.freeze()
	s.finalize(context.Background(), "deadline", frozen, frozenAt)
}

// transition is the compare-and-set guarding every state change.
func (s *Session) transition(from, to model.SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta.State != from {
		return false
	}
	s.meta.State = to
	return true
}

// freeze stops the countdown and takes the final answers.
func (s *Session) freeze() (map[string]model.AnswerRecord, time.Time) {
	s.clock.Cancel()
	return s.buffer.Freeze(), time.Now()
}

func (s *Session) finalize(ctx context.Context, trigger string, frozen map[string]model.AnswerRecord, frozenAt time.Time) {
	// The caller may disconnect right after asking to submit; the final
	// flush and the closed marker still run to their own bounds.
	base := context.WithoutCancel(ctx)

	flushCtx, cancel := context.WithTimeout(base, s.deps.FinalFlushTimeout)
	if err := s.autosave.Close(flushCtx); err != nil {
		s.log.Warn().Err(err).Msg("Final autosave flush incomplete, continuing with frozen answers")
	}
	cancel()
	if m, ok := s.deps.Answers.(closeMarker); ok {
		markCtx, cancelMark := context.WithTimeout(base, s.deps.FinalFlushTimeout)
		if err := m.MarkClosed(markCtx, s.meta.ID); err != nil {
			s.log.Warn().Err(err).Msg("Failed to mark answers closed")
		}
		cancelMark()
	}

	job := FinalizeJob{
		Session:  s.Meta(),
		Slots:    s.slots,
		Key:      s.key,
		Frozen:   frozen,
		FrozenAt: frozenAt,
	}
	job.Session.State = model.SessionStateSubmitted
	result := job.Result(s.deps.Analytics)

	saveCtx, cancelSave := context.WithTimeout(base, s.deps.SaveTimeout)
	err := s.save(saveCtx, result)
	cancelSave()

	s.mu.Lock()
	if err == nil {
		s.meta.State = model.SessionStateSubmitted
		s.result = &result
	} else {
		s.meta.State = model.SessionStateExpired
		s.err = err
	}
	s.mu.Unlock()

	if err == nil {
		s.log.Info().
			Str("trigger", trigger).
			Int("score", result.Summary.Score).
			Int("total", result.Summary.Total).
			Msg("Session submitted")
	} else {
		s.log.Error().Err(err).Str("trigger", trigger).Msg("Session expired, result recording deferred")

		job.Session.State = model.SessionStateExpired
		if s.deps.Retrier == nil {
			s.log.Error().Msg("No retrier configured, result will not be recorded")
		} else if rerr := s.deps.Retrier.Schedule(base, job); rerr != nil {
			s.log.Error().Err(rerr).Msg("Failed to schedule scoring retry")
		}
	}

	if s.deps.OnTerminal != nil {
		s.deps.OnTerminal(s)
	}
	close(s.done)
}

func (s *Session) save(ctx context.Context, result model.SessionResult) error {
	if s.deps.Results == nil {
		return nil
	}
	err := s.deps.Results.SaveResult(ctx, result)
	if err == nil || errors.Is(err, model.ErrAlreadyRecorded) {
		return nil
	}
	return fmt.Errorf("%w: %w", model.ErrScoringUnavailable, err)
}

// Recorded attaches a result recorded in the background.
func (s *Session) Recorded(result model.SessionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.result == nil {
		r := result
		s.result = &r
		s.err = nil
	}
}

// Result returns the recorded result, or ErrResultPending.
func (s *Session) Result() (*model.SessionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.result == nil {
		return nil, model.ErrResultPending
	}
	r := *s.result
	return &r, nil
}

// Remaining returns the time left on the countdown.
func (s *Session) Remaining() time.Duration {
	if s.State() != model.SessionStateInProgress {
		return 0
	}
	return s.clock.Remaining()
}

// Health returns the autosave health signal.
func (s *Session) Health() model.AutosaveHealth {
	return s.autosave.Health()
}

// View returns what the client may see. Questions are included without
// their answer key.
func (s *Session) View(withQuestions bool) model.SessionView {
	v := model.SessionView{
		Session:          s.Meta(),
		RemainingSeconds: s.Remaining().Seconds(),
		Answers:          s.buffer.Records(),
		Autosave:         s.Health(),
	}
	if withQuestions {
		v.Questions = make([]model.SlotForClient, 0, len(s.slots))
		for _, slot := range s.slots {
			v.Questions = append(v.Questions, slot.ForClient())
		}
	}
	return v
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session is terminal or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release stops the background work of a session that will not finish in
// this process. Pending deltas get one final flush.
func (s *Session) Release(ctx context.Context) error {
	s.clock.Cancel()
	return s.autosave.Close(ctx)
}
