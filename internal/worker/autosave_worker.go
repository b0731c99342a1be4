package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-assessment/internal/autosave"
	"github.com/stemsi/exstem-assessment/internal/config"
	"github.com/stemsi/exstem-assessment/internal/model"
)

const (
	AutosaveBatchSize    = 100
	AutosaveBatchTimeout = 500 * time.Millisecond
	AutosavePollTimeout  = time.Second
	AutosaveRetryDelay   = 5 * time.Second
)

// AutosaveWorker drains persist_answers_queue into PostgreSQL in batches.
type AutosaveWorker struct {
	store autosave.Store
	rdb   *redis.Client
	log   zerolog.Logger
}

// NewAutosaveWorker creates a new AutosaveWorker writing to store.
func NewAutosaveWorker(store autosave.Store, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		store: store,
		rdb:   rdb,
		log:   log.With().Str("component", "autosave_worker").Logger(),
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	batch := make([]string, 0, AutosaveBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= AutosaveBatchSize || time.Since(lastFlush) >= AutosaveBatchTimeout) {
			if !w.flush(ctx, batch) {
				sleep(ctx, AutosaveRetryDelay)
			}
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			w.flush(context.Background(), batch)
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
		}

		item, err := w.rdb.BLPop(ctx, AutosavePollTimeout, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("BLPop error")
				sleep(ctx, AutosavePollTimeout)
			}
			continue
		}
		if len(item) < 2 {
			continue
		}
		batch = append(batch, item[1])
	}
}

// flush persists raw queue payloads. On failure they are pushed back and
// flush reports false.
func (w *AutosaveWorker) flush(ctx context.Context, raw []string) bool {
	if len(raw) == 0 {
		return true
	}

	deltas := make([]model.AutosaveDelta, 0, len(raw))
	for _, r := range raw {
		var d model.AutosaveDelta
		if err := json.Unmarshal([]byte(r), &d); err != nil {
			w.log.Error().Err(err).Msg("Invalid JSON payload, dropping")
			continue
		}
		deltas = append(deltas, d)
	}

	if err := w.store.SaveDeltas(ctx, deltas); err != nil {
		w.log.Error().Err(err).Int("batch", len(deltas)).Msg("Persist error, requeueing")
		w.requeue(ctx, raw)
		return false
	}
	return true
}

func (w *AutosaveWorker) requeue(ctx context.Context, raw []string) {
	values := make([]any, len(raw))
	for i, r := range raw {
		values[i] = r
	}
	if err := w.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, values...).Err(); err != nil {
		w.log.Error().Err(err).Int("lost", len(raw)).Msg("Requeue failed")
	}
}

// drain persists whatever is still queued before shutdown.
func (w *AutosaveWorker) drain(ctx context.Context) {
	drained := 0
	for {
		raw, err := w.rdb.LPopCount(ctx, config.WorkerKey.PersistAnswersQueue, AutosaveBatchSize).Result()
		if err != nil || len(raw) == 0 {
			break
		}
		if !w.flush(ctx, raw) {
			break
		}
		drained += len(raw)
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
