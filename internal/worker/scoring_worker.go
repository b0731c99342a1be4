package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-assessment/internal/analytics"
	"github.com/stemsi/exstem-assessment/internal/model"
	"github.com/stemsi/exstem-assessment/internal/session"
)

const ScoringPollTimeout = time.Second

// ScoringRetrier records results of sessions that expired because storage
// was unavailable. It re-scores the frozen answers carried by each job, so
// the recorded result never depends on durable answer rows.
type ScoringRetrier struct {
	queue       JobQueue
	fallback    *MemoryJobQueue
	results     session.ResultStore
	engine      *analytics.Engine
	interval    time.Duration
	maxAttempts int
	notify      func(model.SessionResult)
	log         zerolog.Logger
}

// RetrierConfig tunes the ScoringRetrier. MaxAttempts 0 retries until shutdown.
type RetrierConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// NewScoringRetrier creates a retrier. queue may be nil to keep jobs in
// memory only. notify runs after each successful recording and may be nil.
func NewScoringRetrier(queue JobQueue, results session.ResultStore, engine *analytics.Engine, cfg RetrierConfig, notify func(model.SessionResult), log zerolog.Logger) *ScoringRetrier {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return &ScoringRetrier{
		queue:       queue,
		fallback:    NewMemoryJobQueue(1024),
		results:     results,
		engine:      engine,
		interval:    cfg.Interval,
		maxAttempts: cfg.MaxAttempts,
		notify:      notify,
		log:         log.With().Str("component", "scoring_retrier").Logger(),
	}
}

// Schedule queues a job. When the durable queue rejects it, the job is kept
// in memory instead.
func (r *ScoringRetrier) Schedule(ctx context.Context, job session.FinalizeJob) error {
	if r.queue != nil {
		err := r.queue.Push(ctx, job)
		if err == nil {
			return nil
		}
		r.log.Warn().Err(err).Str("session_id", job.Session.ID.String()).Msg("Durable retry queue unavailable, keeping job in memory")
	}
	return r.fallback.Push(ctx, job)
}

// Start runs the retry loop until ctx is cancelled. Call in a goroutine.
func (r *ScoringRetrier) Start(ctx context.Context) {
	r.log.Info().Msg("ScoringRetrier started")

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Int("in_memory", r.fallback.Len()).Msg("ScoringRetrier stopped")
			return
		default:
		}

		job, err := r.next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Error().Err(err).Msg("Retry queue pop error")
				sleep(ctx, r.interval)
			}
			continue
		}
		if job == nil {
			continue
		}
		r.process(ctx, *job)
	}
}

func (r *ScoringRetrier) next(ctx context.Context) (*session.FinalizeJob, error) {
	if job, _ := r.fallback.Pop(ctx, 0); job != nil {
		return job, nil
	}
	if r.queue == nil {
		return r.fallback.Pop(ctx, ScoringPollTimeout)
	}
	return r.queue.Pop(ctx, ScoringPollTimeout)
}

// process makes one recording attempt. A failed job waits out the retry
// interval and goes back on the queue.
func (r *ScoringRetrier) process(ctx context.Context, job session.FinalizeJob) bool {
	log := r.log.With().Str("session_id", job.Session.ID.String()).Int("attempt", job.Attempts+1).Logger()

	result := job.Result(r.engine)
	err := r.results.SaveResult(ctx, result)
	if err == nil || errors.Is(err, model.ErrAlreadyRecorded) {
		log.Info().Int("score", result.Summary.Score).Msg("Deferred result recorded")
		if r.notify != nil {
			r.notify(result)
		}
		return true
	}

	job.Attempts++
	if r.maxAttempts > 0 && job.Attempts >= r.maxAttempts {
		log.Error().Err(err).Msg("Giving up on deferred result")
		return false
	}

	log.Warn().Err(err).Msg("Deferred result not recorded, retrying")
	sleep(ctx, r.interval)
	if err := r.Schedule(context.WithoutCancel(ctx), job); err != nil {
		log.Error().Err(err).Msg("Failed to requeue deferred result")
	}
	return false
}
