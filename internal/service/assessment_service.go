package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-assessment/internal/analytics"
	"github.com/stemsi/exstem-assessment/internal/model"
	"github.com/stemsi/exstem-assessment/internal/repository"
	"github.com/stemsi/exstem-assessment/internal/scoring"
	"github.com/stemsi/exstem-assessment/internal/session"
)

// SessionStore is the durable session record.
type SessionStore interface {
	Create(ctx context.Context, s model.Session, def model.TestDefinition) error
	MarkStarted(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	Get(ctx context.Context, id uuid.UUID) (*model.Session, error)
	GetResult(ctx context.Context, id uuid.UUID) (*model.SessionResult, error)
	ListHistory(ctx context.Context, userID string, limit int) ([]repository.HistoryEntry, error)
}

// AnswerReader reads durable answers of sessions no longer held in memory.
type AnswerReader interface {
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.AnswerRecord, error)
}

// ResultCache is the hot copy of recorded results. Get returns nil on a miss.
type ResultCache interface {
	Get(ctx context.Context, sessionID uuid.UUID) (*model.SessionResult, error)
	Set(ctx context.Context, res model.SessionResult) error
}

// Benchmarker supplies peer benchmarks for a score summary.
type Benchmarker interface {
	Benchmark(ctx context.Context, c model.ComparisonSummary) (*model.Benchmark, error)
}

// HistoryLimit bounds how many recorded sessions feed historical analytics.
const HistoryLimit = 200

// SubmitOutcome is what a submitter sees once the answers are frozen.
type SubmitOutcome struct {
	SessionID     uuid.UUID            `json:"session_id"`
	State         model.SessionState   `json:"state"`
	ResultPending bool                 `json:"result_pending"`
	Result        *model.SessionResult `json:"result,omitempty"`
}

// AssessmentService drives sessions for the HTTP and WebSocket layers.
type AssessmentService struct {
	manager    *session.Manager
	sessions   SessionStore
	answers    AnswerReader
	cache      ResultCache
	benchmarks Benchmarker
	engine     *analytics.Engine
	log        zerolog.Logger
}

// NewAssessmentService creates a new AssessmentService. cache and
// benchmarks may be nil.
func NewAssessmentService(
	manager *session.Manager,
	sessions SessionStore,
	answers AnswerReader,
	cache ResultCache,
	benchmarks Benchmarker,
	engine *analytics.Engine,
	log zerolog.Logger,
) *AssessmentService {
	return &AssessmentService{
		manager:    manager,
		sessions:   sessions,
		answers:    answers,
		cache:      cache,
		benchmarks: benchmarks,
		engine:     engine,
		log:        log.With().Str("component", "assessment_service").Logger(),
	}
}

// Create registers a session for a generated test.
func (s *AssessmentService) Create(ctx context.Context, userID string, def model.TestDefinition) (*model.SessionView, error) {
	id := uuid.New()
	live := s.manager.Create(id, userID, def)

	if err := s.sessions.Create(ctx, live.Meta(), def); err != nil {
		s.manager.Evict(id)
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.log.Info().
		Str("session_id", id.String()).
		Str("user_id", userID).
		Int("questions", len(def.Slots)).
		Msg("Session created")

	view := live.View(true)
	return &view, nil
}

// Start begins the countdown. Starting an already running session returns
// its current view so reconnecting clients can resume.
func (s *AssessmentService) Start(ctx context.Context, userID string, id uuid.UUID) (*model.SessionView, error) {
	live, err := s.owned(userID, id)
	if err != nil {
		return nil, err
	}

	if err := live.Start(); err != nil {
		if live.State() != model.SessionStateInProgress {
			return nil, err
		}
	} else if meta := live.Meta(); meta.StartedAt != nil {
		if err := s.sessions.MarkStarted(ctx, id, *meta.StartedAt); err != nil {
			s.log.Warn().Err(err).Str("session_id", id.String()).Msg("Failed to record session start")
		}
	}

	view := live.View(true)
	return &view, nil
}

// SetAnswer selects or clears an answer and accumulates time spent on it.
func (s *AssessmentService) SetAnswer(ctx context.Context, userID string, id uuid.UUID, questionID string, req model.SetAnswerRequest) (*model.AnswerRecord, error) {
	live, err := s.owned(userID, id)
	if err != nil {
		return nil, err
	}

	var at time.Time
	if req.ModifiedAt != nil {
		at = *req.ModifiedAt
	}
	rec, err := live.SetAnswer(questionID, req.OptionIndex, at)
	if err != nil {
		if errors.Is(err, model.ErrStaleWrite) {
			return &rec, err
		}
		return nil, err
	}

	if req.TimeSpentSeconds > 0 {
		if rec, err = live.AddTimeSpent(questionID, req.TimeSpentSeconds); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

// AddTimeSpent applies several time deltas. It stops at the first failure.
func (s *AssessmentService) AddTimeSpent(ctx context.Context, userID string, id uuid.UUID, entries []model.TimeSpentEntry) ([]model.AnswerRecord, error) {
	live, err := s.owned(userID, id)
	if err != nil {
		return nil, err
	}

	out := make([]model.AnswerRecord, 0, len(entries))
	for _, e := range entries {
		rec, err := live.AddTimeSpent(e.QuestionID, e.Seconds)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Submit freezes the session and records its result. The outcome reports
// the freeze even when recording was deferred.
func (s *AssessmentService) Submit(ctx context.Context, userID string, id uuid.UUID) (*SubmitOutcome, error) {
	live, err := s.owned(userID, id)
	if err != nil {
		return nil, err
	}

	state, err := live.Submit(ctx)
	if err != nil {
		return nil, err
	}
	return s.outcome(live, state), nil
}

// Outcome describes a session that already reached a terminal state.
func (s *AssessmentService) Outcome(live *session.Session) *SubmitOutcome {
	return s.outcome(live, live.State())
}

func (s *AssessmentService) outcome(live *session.Session, state model.SessionState) *SubmitOutcome {
	out := &SubmitOutcome{SessionID: live.ID(), State: state}
	res, err := live.Result()
	if err != nil {
		out.ResultPending = true
		return out
	}
	out.Result = res
	return out
}

// State returns the client view of a session. Sessions that are no longer
// held in memory are rebuilt from durable storage.
func (s *AssessmentService) State(ctx context.Context, userID string, id uuid.UUID) (*model.SessionView, error) {
	live, err := s.owned(userID, id)
	if err == nil {
		view := live.View(true)
		return &view, nil
	}
	if !errors.Is(err, model.ErrSessionNotFound) {
		return nil, err
	}

	meta, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta.UserID != userID {
		return nil, model.ErrNotSessionOwner
	}
	records, err := s.answers.ListBySession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load answers: %w", err)
	}
	return &model.SessionView{Session: *meta, Answers: records}, nil
}

// Live returns an owned in-memory session.
func (s *AssessmentService) Live(userID string, id uuid.UUID) (*session.Session, error) {
	return s.owned(userID, id)
}

// Result returns a recorded result: memory first, then cache, then storage.
func (s *AssessmentService) Result(ctx context.Context, userID string, id uuid.UUID) (*model.SessionResult, error) {
	if live, err := s.manager.Get(id); err == nil {
		if live.Meta().UserID != userID {
			return nil, model.ErrNotSessionOwner
		}
		if res, err := live.Result(); err == nil {
			return res, nil
		}
	}

	if s.cache != nil {
		res, err := s.cache.Get(ctx, id)
		if err != nil {
			s.log.Warn().Err(err).Str("session_id", id.String()).Msg("Result cache read failed")
		} else if res != nil {
			if res.UserID != userID {
				return nil, model.ErrNotSessionOwner
			}
			return res, nil
		}
	}

	res, err := s.sessions.GetResult(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.UserID != userID {
		return nil, model.ErrNotSessionOwner
	}
	s.cacheResult(ctx, *res)
	return res, nil
}

// Report merges a session's result with its narrative payload and peer
// benchmark. A failing benchmark leaves the report without one.
func (s *AssessmentService) Report(ctx context.Context, userID string, id uuid.UUID) (*model.ResultsView, error) {
	res, err := s.Result(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	view := &model.ResultsView{
		Result:     res,
		Report:     s.engine.Report(res.Summary, res.Aggregates),
		Comparison: scoring.Comparison(res.TestDefinitionID, res.ScoredQuestions),
	}
	if s.benchmarks != nil {
		b, err := s.benchmarks.Benchmark(ctx, view.Comparison)
		if err != nil {
			s.log.Warn().Err(err).Str("session_id", id.String()).Msg("Benchmark unavailable")
		} else {
			view.Benchmark = b
		}
	}
	return view, nil
}

// History aggregates every recorded session of a user with the same rule
// used at submission.
func (s *AssessmentService) History(ctx context.Context, userID string) (*model.HistoricalAnalytics, error) {
	entries, err := s.sessions.ListHistory(ctx, userID, HistoryLimit)
	if err != nil {
		return nil, err
	}

	parts := make([]analytics.Part, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, analytics.Part{
			Key:    e.Result.SessionID.String(),
			Scored: e.Result.ScoredQuestions,
			Slots:  e.Slots,
		})
	}
	summary, aggs := s.engine.Combine(parts)

	return &model.HistoricalAnalytics{
		UserID:   userID,
		Sessions: len(entries),
		Report:   s.engine.Report(summary, aggs),
	}, nil
}

// Terminal caches the result of a session that just finished.
func (s *AssessmentService) Terminal(live *session.Session) {
	res, err := live.Result()
	if err != nil {
		return
	}
	s.cacheResult(context.Background(), *res)
}

// Recorded publishes a result recorded in the background.
func (s *AssessmentService) Recorded(res model.SessionResult) {
	s.manager.Recorded(res)
	s.cacheResult(context.Background(), res)
}

func (s *AssessmentService) cacheResult(ctx context.Context, res model.SessionResult) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, res); err != nil {
		s.log.Warn().Err(err).Str("session_id", res.SessionID.String()).Msg("Result cache write failed")
	}
}

func (s *AssessmentService) owned(userID string, id uuid.UUID) (*session.Session, error) {
	live, err := s.manager.Get(id)
	if err != nil {
		return nil, err
	}
	if live.Meta().UserID != userID {
		return nil, model.ErrNotSessionOwner
	}
	return live, nil
}
