// Package autosave implements the best-effort, coalescing channel that moves
// answer deltas from a live session to durable storage.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-assessment/internal/model"
)

// Store durably upserts deltas keyed by (session, question), last write wins.
type Store interface {
	SaveDeltas(ctx context.Context, deltas []model.AutosaveDelta) error
}

// Config tunes flushing and retries.
type Config struct {
	Interval     time.Duration
	BatchSize    int
	MaxAttempts  int
	InitialWait  time.Duration
	MaxWait      time.Duration
	Multiplier   float64
	FlushTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     3 * time.Second,
		BatchSize:    20,
		MaxAttempts:  5,
		InitialWait:  250 * time.Millisecond,
		MaxWait:      5 * time.Second,
		Multiplier:   2.0,
		FlushTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialWait <= 0 {
		c.InitialWait = d.InitialWait
	}
	if c.MaxWait <= 0 {
		c.MaxWait = d.MaxWait
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = d.FlushTimeout
	}
	return c
}

type entry struct {
	delta       model.AutosaveDelta
	attempts    int
	nextAttempt time.Time
	inFlight    bool
}

// Channel coalesces deltas per question and flushes them on an interval or
// when BatchSize questions are pending, whichever comes first.
type Channel struct {
	store Store
	cfg   Config
	log   zerolog.Logger

	mu      sync.Mutex
	pending map[string]*entry
	started bool
	closed  bool
	health  model.AutosaveHealth

	retry *time.Timer

	// base parents the loop's flushes; Close cancels it so an in-flight
	// write is aborted rather than landing after Close returns.
	base   context.Context
	cancel context.CancelFunc

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewChannel creates a channel. Call Start to begin periodic flushing.
func NewChannel(store Store, cfg Config, log zerolog.Logger) *Channel {
	base, cancel := context.WithCancel(context.Background())
	return &Channel{
		base:    base,
		cancel:  cancel,
		store:   store,
		cfg:     cfg.withDefaults(),
		log:     log.With().Str("component", "autosave").Logger(),
		pending: make(map[string]*entry),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the flush loop until Close. Call in a goroutine.
func (c *Channel) Start() {
	defer close(c.done)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		case <-c.kick:
		}
		ctx, cancel := context.WithTimeout(c.base, c.cfg.FlushTimeout)
		_ = c.flush(ctx, false)
		cancel()
	}
}

// Enqueue queues a delta without blocking. Deltas arriving after Close are
// rejected as stale; a delta older than the pending one for the same
// question is ignored. It reports whether the delta was accepted.
func (c *Channel) Enqueue(d model.AutosaveDelta) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.health.StaleRejected++
		return false
	}

	qid := d.Record.QuestionID
	if e, ok := c.pending[qid]; ok {
		if d.Record.Version <= e.delta.Record.Version {
			return false
		}
		// New generation: attempts restart and no backoff is carried over.
		e.delta = d
		e.attempts = 0
		e.nextAttempt = time.Time{}
	} else {
		c.pending[qid] = &entry{delta: d}
	}

	if len(c.pending) >= c.cfg.BatchSize {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
	return true
}

// Flush sends every due delta once. Safe to call concurrently with the loop.
func (c *Channel) Flush(ctx context.Context) error {
	return c.flush(ctx, false)
}

// Close stops accepting deltas, stops the loop, and makes one final forced
// flush of everything still pending, bounded by ctx. Whatever remains after
// that is abandoned. Close is idempotent; only the first call flushes.
func (c *Channel) Close(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		started := c.started
		if c.retry != nil {
			c.retry.Stop()
		}
		c.mu.Unlock()

		close(c.stop)
		c.cancel()
		if started {
			select {
			case <-c.done:
			case <-ctx.Done():
			}
		}

		err = c.flush(ctx, true)

		c.mu.Lock()
		abandoned := len(c.pending)
		c.pending = make(map[string]*entry)
		c.mu.Unlock()

		if abandoned > 0 {
			c.log.Warn().Int("abandoned", abandoned).Msg("Autosave closed with unacknowledged deltas")
		}
	})
	return err
}

// Health returns the current degraded-health signal.
func (c *Channel) Health() model.AutosaveHealth {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.health
	h.Pending = len(c.pending)
	if h.LastFlushAt != nil {
		t := *h.LastFlushAt
		h.LastFlushAt = &t
	}
	return h
}

// Pending returns the number of questions with an unacknowledged delta.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Channel) flush(ctx context.Context, force bool) error {
	batch := c.claim(force)
	if len(batch) == 0 {
		return nil
	}

	err := c.store.SaveDeltas(ctx, batch)
	if err != nil {
		err = fmt.Errorf("%w: %w", model.ErrAutosaveTransport, err)
	}
	c.settle(batch, err)
	return err
}

// claim marks due entries in flight and returns their deltas.
func (c *Channel) claim(force bool) []model.AutosaveDelta {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	batch := make([]model.AutosaveDelta, 0, len(c.pending))
	for _, e := range c.pending {
		if e.inFlight {
			continue
		}
		if !force && now.Before(e.nextAttempt) {
			continue
		}
		e.inFlight = true
		batch = append(batch, e.delta)
	}
	return batch
}

// settle applies the outcome of a flush to the entries it claimed.
func (c *Channel) settle(batch []model.AutosaveDelta, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if err == nil {
		c.health.ConsecutiveFailures = 0
		c.health.Degraded = false
		c.health.LastFlushAt = &now
	} else {
		c.health.ConsecutiveFailures++
		c.health.Degraded = true
		c.health.LastError = err.Error()
	}

	dropped := 0
	for _, sent := range batch {
		qid := sent.Record.QuestionID
		e, ok := c.pending[qid]
		if !ok {
			continue
		}
		e.inFlight = false

		if e.delta.Record.Version != sent.Record.Version {
			// Superseded while in flight; the newer value goes out next.
			continue
		}
		if err == nil {
			delete(c.pending, qid)
			continue
		}

		e.attempts++
		if e.attempts >= c.cfg.MaxAttempts {
			delete(c.pending, qid)
			dropped++
			continue
		}
		e.nextAttempt = now.Add(c.backoff(e.attempts - 1))
	}

	if err != nil {
		c.armRetry(now)
	}

	if err != nil {
		c.health.DroppedDeltas += dropped
		ev := c.log.Warn()
		if dropped > 0 {
			ev = c.log.Error()
		}
		ev.Err(err).
			Int("batch", len(batch)).
			Int("dropped", dropped).
			Int("consecutive_failures", c.health.ConsecutiveFailures).
			Msg("Autosave flush failed")
	}
}

// armRetry kicks the loop when the earliest backed-off entry becomes due, so
// retries follow the backoff schedule instead of waiting for the next tick.
// Caller holds c.mu.
func (c *Channel) armRetry(now time.Time) {
	if c.closed {
		return
	}
	var (
		due   time.Time
		found bool
	)
	for _, e := range c.pending {
		if e.inFlight {
			continue
		}
		if !found || e.nextAttempt.Before(due) {
			due, found = e.nextAttempt, true
		}
	}
	if !found {
		return
	}
	wait := due.Sub(now)
	if wait < 0 {
		wait = 0
	}
	if c.retry != nil {
		c.retry.Stop()
	}
	c.retry = time.AfterFunc(wait, func() {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	})
}

// backoff computes the wait before the next attempt of a delta generation.
func (c *Channel) backoff(attempt int) time.Duration {
	wait := float64(c.cfg.InitialWait) * math.Pow(c.cfg.Multiplier, float64(attempt))
	if wait > float64(c.cfg.MaxWait) {
		wait = float64(c.cfg.MaxWait)
	}

	// ±20% jitter.
	wait += wait * 0.2 * (2*rand.Float64() - 1)
	if wait < 0 {
		wait = 0
	}
	return time.Duration(wait)
}

// IsTransport reports whether err came from the durable store.
func IsTransport(err error) bool {
	return errors.Is(err, model.ErrAutosaveTransport)
}
