package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-assessment/internal/autosave"
	"github.com/stemsi/exstem-assessment/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memAnswers struct {
	mu      sync.Mutex
	records map[string]model.AnswerRecord
	closed  map[uuid.UUID]bool
}

func newMemAnswers() *memAnswers {
	return &memAnswers{records: make(map[string]model.AnswerRecord), closed: make(map[uuid.UUID]bool)}
}

func (m *memAnswers) SaveDeltas(ctx context.Context, deltas []model.AutosaveDelta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range deltas {
		if m.closed[d.SessionID] {
			continue
		}
		if cur, ok := m.records[d.Record.QuestionID]; !ok || cur.Version < d.Record.Version {
			m.records[d.Record.QuestionID] = d.Record
		}
	}
	return nil
}

func (m *memAnswers) MarkClosed(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed[id] = true
	return nil
}

type memResults struct {
	mu      sync.Mutex
	gate    chan struct{}
	fail    bool
	saved   []model.SessionResult
	records map[uuid.UUID]bool
}

func newMemResults() *memResults {
	return &memResults{records: make(map[uuid.UUID]bool)}
}

func (m *memResults) SaveResult(_ context.Context, r model.SessionResult) error {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("database is down")
	}
	if m.records[r.SessionID] {
		return model.ErrAlreadyRecorded
	}
	m.records[r.SessionID] = true
	m.saved = append(m.saved, r)
	return nil
}

func (m *memResults) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

type memRetrier struct {
	mu   sync.Mutex
	jobs []FinalizeJob
}

func (r *memRetrier) Schedule(_ context.Context, job FinalizeJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func twoQuestionTest(duration int) model.TestDefinition {
	return model.TestDefinition{
		ID:              "def-1",
		DurationSeconds: duration,
		Slots: []model.QuestionSlot{
			{QuestionID: "q1", OrderIndex: 0, Subject: "Math", Concept: "Algebra", Options: []string{"a", "b", "c"}, CorrectOptionIndex: 2},
			{QuestionID: "q2", OrderIndex: 1, Subject: "Math", Concept: "Algebra", Options: []string{"a", "b"}, CorrectOptionIndex: 0},
		},
	}
}

func testDeps(answers *memAnswers, results *memResults, retrier *memRetrier) Deps {
	d := Deps{
		Answers:           answers,
		Results:           results,
		Autosave:          autosave.Config{Interval: 5 * time.Millisecond},
		FinalFlushTimeout: time.Second,
		Log:               zerolog.Nop(),
	}
	if retrier != nil {
		d.Retrier = retrier
	}
	return d
}

func intPtr(v int) *int { return &v }

func TestSession_DeadlineScoresFrozenAnswers(t *testing.T) {
	results := newMemResults()
	s := New(uuid.New(), "user-1", twoQuestionTest(1), testDeps(newMemAnswers(), results, nil))
	require.NoError(t, s.Start())

	_, err := s.SetAnswer("q1", intPtr(2), time.Time{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))

	assert.Equal(t, model.SessionStateSubmitted, s.State())
	res, err := s.Result()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.Score)
	require.Len(t, res.ScoredQuestions, 2)
	assert.Equal(t, model.StatusCorrect, res.ScoredQuestions[0].Status)
	assert.Equal(t, model.StatusUnattempted, res.ScoredQuestions[1].Status)

	require.Len(t, res.Aggregates.BySubject, 1)
	subj := res.Aggregates.BySubject[0]
	assert.Equal(t, 1, subj.Correct)
	assert.Equal(t, 2, subj.Total)
	assert.InDelta(t, 0.5, subj.Accuracy, 1e-9)
	assert.Equal(t, 1, results.count())
}

func TestSession_SubmitTwiceRecordsOnce(t *testing.T) {
	results := newMemResults()
	s := New(uuid.New(), "user-1", twoQuestionTest(60), testDeps(newMemAnswers(), results, nil))
	require.NoError(t, s.Start())

	state, err := s.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateSubmitted, state)

	state, err = s.Submit(context.Background())
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Equal(t, model.SessionStateSubmitted, state)

	assert.Equal(t, 1, results.count())
}

func TestSession_SubmitRacesDeadline(t *testing.T) {
	for i := 0; i < 20; i++ {
		results := newMemResults()
		var terminal atomic.Int32
		deps := testDeps(newMemAnswers(), results, nil)
		deps.OnTerminal = func(*Session) { terminal.Add(1) }

		s := New(uuid.New(), "user-1", twoQuestionTest(60), deps)
		require.NoError(t, s.Start())

		var wg sync.WaitGroup
		var submitted atomic.Int32
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Submit(context.Background()); err == nil {
					submitted.Add(1)
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.onDeadline()
		}()
		wg.Wait()

		require.NoError(t, s.Wait(context.Background()))
		assert.LessOrEqual(t, submitted.Load(), int32(1))
		assert.Equal(t, int32(1), terminal.Load())
		assert.Equal(t, 1, results.count())
	}
}

func TestSession_WritesRejectedOutsideProgress(t *testing.T) {
	s := New(uuid.New(), "user-1", twoQuestionTest(60), testDeps(newMemAnswers(), newMemResults(), nil))

	_, err := s.SetAnswer("q1", intPtr(0), time.Time{})
	assert.ErrorIs(t, err, model.ErrSessionNotStarted)

	_, err = s.Submit(context.Background())
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), model.ErrInvalidTransition)

	_, err = s.Submit(context.Background())
	require.NoError(t, err)

	_, err = s.SetAnswer("q1", intPtr(0), time.Time{})
	assert.ErrorIs(t, err, model.ErrSessionClosed)
	_, err = s.AddTimeSpent("q1", 3)
	assert.ErrorIs(t, err, model.ErrSessionClosed)
	assert.Zero(t, s.Remaining())
}

func TestSession_FinalFlushReachesStore(t *testing.T) {
	answers := newMemAnswers()
	deps := testDeps(answers, newMemResults(), nil)
	deps.Autosave.Interval = time.Hour
	s := New(uuid.New(), "user-1", twoQuestionTest(60), deps)
	require.NoError(t, s.Start())

	for _, opt := range []int{0, 1, 2} {
		_, err := s.SetAnswer("q1", intPtr(opt), time.Time{})
		require.NoError(t, err)
	}
	_, err := s.Submit(context.Background())
	require.NoError(t, err)

	answers.mu.Lock()
	defer answers.mu.Unlock()
	require.Contains(t, answers.records, "q1")
	assert.Equal(t, 2, *answers.records["q1"].SelectedOptionIndex)
	assert.True(t, answers.closed[s.ID()])
}

func TestSession_SubmitOutlivesCallerContext(t *testing.T) {
	answers := newMemAnswers()
	results := newMemResults()
	deps := testDeps(answers, results, nil)
	deps.Autosave.Interval = time.Hour
	s := New(uuid.New(), "user-1", twoQuestionTest(60), deps)
	require.NoError(t, s.Start())

	_, err := s.SetAnswer("q1", intPtr(2), time.Time{})
	require.NoError(t, err)

	// The client hangs up right after sending submit.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Submit(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, model.SessionStateSubmitted, s.State())
	assert.Equal(t, 1, results.count())

	answers.mu.Lock()
	defer answers.mu.Unlock()
	require.Contains(t, answers.records, "q1")
	assert.Equal(t, 2, *answers.records["q1"].SelectedOptionIndex)
	assert.True(t, answers.closed[s.ID()])
}

func TestSession_SubmitRepliesOnceFrozen(t *testing.T) {
	results := newMemResults()
	results.gate = make(chan struct{})
	deps := testDeps(newMemAnswers(), results, nil)
	deps.SubmitReplyWindow = 20 * time.Millisecond
	s := New(uuid.New(), "user-1", twoQuestionTest(60), deps)
	require.NoError(t, s.Start())

	_, err := s.SetAnswer("q1", intPtr(2), time.Time{})
	require.NoError(t, err)

	begin := time.Now()
	state, err := s.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateSubmitting, state, "recording is still running")
	assert.Less(t, time.Since(begin), time.Second)

	_, err = s.SetAnswer("q1", intPtr(0), time.Time{})
	assert.ErrorIs(t, err, model.ErrSessionClosed, "answers are frozen before the reply")
	_, err = s.Result()
	assert.ErrorIs(t, err, model.ErrResultPending)

	close(results.gate)
	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, model.SessionStateSubmitted, s.State())
	res, err := s.Result()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.Score)
}

func TestSession_SubmitRacingStartLeavesNoArmedClock(t *testing.T) {
	for i := 0; i < 20; i++ {
		s := New(uuid.New(), "user-1", twoQuestionTest(60), testDeps(newMemAnswers(), newMemResults(), nil))

		started := make(chan error, 1)
		go func() { started <- s.Start() }()
		for {
			if _, err := s.Submit(context.Background()); err == nil {
				break
			}
		}
		require.NoError(t, <-started)

		assert.False(t, s.clock.Cancel(), "the countdown was already cancelled by submit")
		select {
		case <-s.clock.Fired():
			t.Fatal("deadline fired on a submitted session")
		default:
		}
	}
}

func TestSession_StorageFailureExpiresAndSchedulesRetry(t *testing.T) {
	results := newMemResults()
	results.fail = true
	retrier := &memRetrier{}
	s := New(uuid.New(), "user-1", twoQuestionTest(60), testDeps(newMemAnswers(), results, retrier))
	require.NoError(t, s.Start())

	_, err := s.SetAnswer("q2", intPtr(0), time.Time{})
	require.NoError(t, err)

	state, err := s.Submit(context.Background())
	require.NoError(t, err, "the user still sees the submission succeed")
	assert.Equal(t, model.SessionStateExpired, state)

	_, err = s.Result()
	assert.ErrorIs(t, err, model.ErrResultPending)

	require.Len(t, retrier.jobs, 1)
	job := retrier.jobs[0]
	assert.Equal(t, model.SessionStateExpired, job.Session.State)
	assert.Equal(t, 0, *job.Frozen["q2"].SelectedOptionIndex)

	// The background retry scores the same frozen answers.
	res := job.Result(s.deps.Analytics)
	assert.Equal(t, 1, res.Summary.Score)
	s.Recorded(res)

	got, err := s.Result()
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateExpired, got.State)
}

func TestSession_ViewHidesAnswerKey(t *testing.T) {
	s := New(uuid.New(), "user-1", twoQuestionTest(60), testDeps(newMemAnswers(), newMemResults(), nil))
	require.NoError(t, s.Start())
	defer s.Release(context.Background())

	v := s.View(true)
	require.Len(t, v.Questions, 2)
	require.Len(t, v.Answers, 2)
	assert.Equal(t, model.SessionStateInProgress, v.State)
	assert.Greater(t, v.RemainingSeconds, 50.0)
}

func TestManager_EvictsAfterRetention(t *testing.T) {
	m := NewManager(testDeps(newMemAnswers(), newMemResults(), nil), 20*time.Millisecond, zerolog.Nop())
	id := uuid.New()
	s := m.Create(id, "user-1", twoQuestionTest(60))

	got, err := m.Get(id)
	require.NoError(t, err)
	assert.Same(t, s, got)

	require.NoError(t, s.Start())
	_, err = s.Submit(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)
	_, err = m.Get(id)
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
}

func TestManager_EvictsSessionsNeverStarted(t *testing.T) {
	m := NewManager(testDeps(newMemAnswers(), newMemResults(), nil), 30*time.Millisecond, zerolog.Nop())

	idle := make([]*Session, 0, 10)
	for i := 0; i < 10; i++ {
		idle = append(idle, m.Create(uuid.New(), "user-1", twoQuestionTest(60)))
	}
	live := m.Create(uuid.New(), "user-2", twoQuestionTest(60))
	require.NoError(t, live.Start())

	require.Eventually(t, func() bool { return m.Len() == 1 }, time.Second, 5*time.Millisecond)

	got, err := m.Get(live.ID())
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateInProgress, got.State())

	assert.ErrorIs(t, idle[0].Start(), model.ErrSessionNotFound, "an evicted session cannot be started")
	m.Shutdown(context.Background())
}

func TestManager_RecordedReachesSession(t *testing.T) {
	results := newMemResults()
	results.fail = true
	m := NewManager(testDeps(newMemAnswers(), results, &memRetrier{}), time.Minute, zerolog.Nop())
	id := uuid.New()
	s := m.Create(id, "user-1", twoQuestionTest(60))
	require.NoError(t, s.Start())
	_, err := s.Submit(context.Background())
	require.NoError(t, err)

	m.Recorded(model.SessionResult{SessionID: id, State: model.SessionStateExpired})

	res, err := s.Result()
	require.NoError(t, err)
	assert.Equal(t, id, res.SessionID)
	m.Shutdown(context.Background())
}
