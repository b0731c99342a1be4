package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-assessment/internal/analytics"
	"github.com/stemsi/exstem-assessment/internal/autosave"
	"github.com/stemsi/exstem-assessment/internal/model"
	"github.com/stemsi/exstem-assessment/internal/repository"
	"github.com/stemsi/exstem-assessment/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]model.Session
	slots    map[uuid.UUID][]model.QuestionSlot
	results  map[uuid.UUID]model.SessionResult
	answers  map[uuid.UUID][]model.AnswerRecord
	failSave bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[uuid.UUID]model.Session),
		slots:    make(map[uuid.UUID][]model.QuestionSlot),
		results:  make(map[uuid.UUID]model.SessionResult),
		answers:  make(map[uuid.UUID][]model.AnswerRecord),
	}
}

func (f *fakeStore) Create(_ context.Context, s model.Session, def model.TestDefinition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
	f.slots[s.ID] = def.Slots
	return nil
}

func (f *fakeStore) MarkStarted(_ context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.State != model.SessionStateCreated {
		return model.ErrInvalidTransition
	}
	s.State = model.SessionStateInProgress
	s.StartedAt = &at
	f.sessions[id] = s
	return nil
}

func (f *fakeStore) Get(_ context.Context, id uuid.UUID) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	return &s, nil
}

func (f *fakeStore) GetResult(_ context.Context, id uuid.UUID) (*model.SessionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return nil, model.ErrSessionNotFound
	}
	r, ok := f.results[id]
	if !ok {
		return nil, model.ErrResultPending
	}
	return &r, nil
}

func (f *fakeStore) ListHistory(_ context.Context, userID string, _ int) ([]repository.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.HistoryEntry
	for id, r := range f.results {
		if r.UserID == userID {
			out = append(out, repository.HistoryEntry{Result: r, Slots: f.slots[id]})
		}
	}
	return out, nil
}

func (f *fakeStore) SaveResult(_ context.Context, r model.SessionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave {
		return errors.New("database is down")
	}
	if _, ok := f.results[r.SessionID]; ok {
		return model.ErrAlreadyRecorded
	}
	f.results[r.SessionID] = r
	return nil
}

func (f *fakeStore) SaveDeltas(_ context.Context, deltas []model.AutosaveDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range deltas {
		f.answers[d.SessionID] = append(f.answers[d.SessionID], d.Record)
	}
	return nil
}

func (f *fakeStore) ListBySession(_ context.Context, id uuid.UUID) ([]model.AnswerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answers[id], nil
}

type fakeCache struct {
	mu   sync.Mutex
	data map[uuid.UUID]model.SessionResult
}

func (c *fakeCache) Get(_ context.Context, id uuid.UUID) (*model.SessionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.data[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (c *fakeCache) Set(_ context.Context, r model.SessionResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[r.SessionID] = r
	return nil
}

func (c *fakeCache) has(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[id]
	return ok
}

type fakeBench struct{ err error }

func (b fakeBench) Benchmark(_ context.Context, c model.ComparisonSummary) (*model.Benchmark, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &model.Benchmark{TestDefinitionID: c.TestDefinitionID, Participants: 4, Percentile: 50}, nil
}

type fixture struct {
	svc   *AssessmentService
	store *fakeStore
	cache *fakeCache
	mgr   *session.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newFakeStore()
	cache := &fakeCache{data: make(map[uuid.UUID]model.SessionResult)}
	engine := analytics.New(analytics.DefaultThresholds())

	f := &fixture{store: store, cache: cache}
	deps := session.Deps{
		Answers:   store,
		Results:   store,
		Analytics: engine,
		Autosave:  autosave.Config{Interval: 5 * time.Millisecond},
		Log:       zerolog.Nop(),
		OnTerminal: func(s *session.Session) {
			f.svc.Terminal(s)
		},
	}
	f.mgr = session.NewManager(deps, time.Minute, zerolog.Nop())
	f.svc = NewAssessmentService(f.mgr, store, store, cache, fakeBench{}, engine, zerolog.Nop())
	t.Cleanup(func() { f.mgr.Shutdown(context.Background()) })
	return f
}

func algebraTest() model.TestDefinition {
	return model.TestDefinition{
		ID:              "def-1",
		DurationSeconds: 600,
		Slots: []model.QuestionSlot{
			{QuestionID: "q1", OrderIndex: 0, Subject: "Math", Concept: "Algebra", Options: []string{"a", "b", "c"}, CorrectOptionIndex: 2},
			{QuestionID: "q2", OrderIndex: 1, Subject: "Math", Concept: "Algebra", Options: []string{"a", "b"}, CorrectOptionIndex: 0},
		},
	}
}

func intPtr(v int) *int { return &v }

func TestCreate_ReturnsQuestionsWithoutKey(t *testing.T) {
	f := newFixture(t)

	view, err := f.svc.Create(context.Background(), "user-1", algebraTest())
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateCreated, view.State)
	assert.Len(t, view.Questions, 2)

	stored, err := f.store.Get(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", stored.UserID)
}

func TestStart_IsResumable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view, err := f.svc.Create(ctx, "user-1", algebraTest())
	require.NoError(t, err)

	started, err := f.svc.Start(ctx, "user-1", view.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateInProgress, started.State)

	again, err := f.svc.Start(ctx, "user-1", view.ID)
	require.NoError(t, err)
	assert.Equal(t, started.StartedAt, again.StartedAt)

	stored, _ := f.store.Get(ctx, view.ID)
	assert.Equal(t, model.SessionStateInProgress, stored.State)
}

func TestOwnership_Enforced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view, err := f.svc.Create(ctx, "user-1", algebraTest())
	require.NoError(t, err)

	_, err = f.svc.Start(ctx, "intruder", view.ID)
	assert.ErrorIs(t, err, model.ErrNotSessionOwner)
	_, err = f.svc.State(ctx, "intruder", view.ID)
	assert.ErrorIs(t, err, model.ErrNotSessionOwner)
}

func TestSubmit_RecordsAndCachesResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view, err := f.svc.Create(ctx, "user-1", algebraTest())
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, "user-1", view.ID)
	require.NoError(t, err)

	rec, err := f.svc.SetAnswer(ctx, "user-1", view.ID, "q1", model.SetAnswerRequest{OptionIndex: intPtr(2), TimeSpentSeconds: 12})
	require.NoError(t, err)
	assert.Equal(t, 12.0, rec.TimeSpentSeconds)

	_, err = f.svc.AddTimeSpent(ctx, "user-1", view.ID, []model.TimeSpentEntry{{QuestionID: "q2", Seconds: 3}})
	require.NoError(t, err)

	out, err := f.svc.Submit(ctx, "user-1", view.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateSubmitted, out.State)
	assert.False(t, out.ResultPending)
	require.NotNil(t, out.Result)
	assert.Equal(t, 1, out.Result.Summary.Score)
	assert.True(t, f.cache.has(view.ID))

	_, err = f.svc.Submit(ctx, "user-1", view.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = f.svc.SetAnswer(ctx, "user-1", view.ID, "q2", model.SetAnswerRequest{OptionIndex: intPtr(0)})
	assert.ErrorIs(t, err, model.ErrSessionClosed)
}

func TestSubmit_StorageDownLeavesResultPending(t *testing.T) {
	f := newFixture(t)
	f.store.failSave = true
	ctx := context.Background()
	view, err := f.svc.Create(ctx, "user-1", algebraTest())
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, "user-1", view.ID)
	require.NoError(t, err)

	out, err := f.svc.Submit(ctx, "user-1", view.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateExpired, out.State)
	assert.True(t, out.ResultPending)

	_, err = f.svc.Result(ctx, "user-1", view.ID)
	assert.ErrorIs(t, err, model.ErrResultPending)
}

func TestResult_FallsBackToStorage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, f.store.Create(ctx, model.Session{ID: id, UserID: "user-1", State: model.SessionStateCreated}, algebraTest()))
	require.NoError(t, f.store.SaveResult(ctx, model.SessionResult{SessionID: id, UserID: "user-1", TestDefinitionID: "def-1"}))

	res, err := f.svc.Result(ctx, "user-1", id)
	require.NoError(t, err)
	assert.Equal(t, id, res.SessionID)
	assert.True(t, f.cache.has(id), "storage hit populates the cache")

	_, err = f.svc.Result(ctx, "intruder", id)
	assert.ErrorIs(t, err, model.ErrNotSessionOwner)
}

func TestReport_IncludesBenchmark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view, err := f.svc.Create(ctx, "user-1", algebraTest())
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, "user-1", view.ID)
	require.NoError(t, err)
	_, err = f.svc.SetAnswer(ctx, "user-1", view.ID, "q2", model.SetAnswerRequest{OptionIndex: intPtr(0)})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, "user-1", view.ID)
	require.NoError(t, err)

	report, err := f.svc.Report(ctx, "user-1", view.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Report.Score)
	assert.Equal(t, 2, report.Report.Total)
	assert.Equal(t, "def-1", report.Comparison.TestDefinitionID)
	require.NotNil(t, report.Benchmark)
	assert.Equal(t, 4, report.Benchmark.Participants)

	f.svc.benchmarks = fakeBench{err: errors.New("timeout")}
	report, err = f.svc.Report(ctx, "user-1", view.ID)
	require.NoError(t, err)
	assert.Nil(t, report.Benchmark)
}

func TestHistory_CombinesSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, opt := range []int{2, 0} {
		view, err := f.svc.Create(ctx, "user-1", algebraTest())
		require.NoError(t, err)
		_, err = f.svc.Start(ctx, "user-1", view.ID)
		require.NoError(t, err)
		_, err = f.svc.SetAnswer(ctx, "user-1", view.ID, "q1", model.SetAnswerRequest{OptionIndex: intPtr(opt)})
		require.NoError(t, err)
		_, err = f.svc.Submit(ctx, "user-1", view.ID)
		require.NoError(t, err)
	}

	hist, err := f.svc.History(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, hist.Sessions)
	assert.Equal(t, 4, hist.Report.Total)
	assert.Equal(t, 1, hist.Report.Score)

	empty, err := f.svc.History(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, empty.Sessions)
}

func TestState_RebuiltFromStorageAfterEviction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view, err := f.svc.Create(ctx, "user-1", algebraTest())
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, "user-1", view.ID)
	require.NoError(t, err)
	_, err = f.svc.SetAnswer(ctx, "user-1", view.ID, "q1", model.SetAnswerRequest{OptionIndex: intPtr(1)})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, "user-1", view.ID)
	require.NoError(t, err)

	f.mgr.Evict(view.ID)

	state, err := f.svc.State(ctx, "user-1", view.ID)
	require.NoError(t, err)
	assert.Equal(t, view.ID, state.ID)
	assert.NotEmpty(t, state.Answers)
}
