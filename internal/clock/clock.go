// Package clock provides the countdown that drives automatic submission.
package clock

import (
	"errors"
	"sync"
	"time"
)

// ErrClockStarted is returned when Start is called on a running clock.
var ErrClockStarted = errors.New("clock already started")

// Clock is a one-shot countdown. The deadline callback runs on the timer's
// own goroutine and fires at most once, even if Remaining observes the
// deadline first.
type Clock struct {
	mu         sync.Mutex
	deadline   time.Time
	timer      *time.Timer
	onDeadline func()
	started    bool
	cancelled  bool

	once  sync.Once
	fired chan struct{}
}

// New creates a stopped clock.
func New() *Clock {
	return &Clock{fired: make(chan struct{})}
}

// Start begins the countdown. onDeadline may be nil.
func (c *Clock) Start(d time.Duration, onDeadline func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrClockStarted
	}
	if d < 0 {
		d = 0
	}
	c.started = true
	c.onDeadline = onDeadline
	c.deadline = time.Now().Add(d)
	if !c.cancelled {
		c.timer = time.AfterFunc(d, c.fire)
	}
	return nil
}

// Deadline returns the instant the countdown reaches zero.
func (c *Clock) Deadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline
}

// Remaining returns the time left, never negative. Zero before Start.
func (c *Clock) Remaining() time.Duration {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return 0
	}
	left := time.Until(c.deadline)
	c.mu.Unlock()

	if left <= 0 {
		select {
		case <-c.fired:
		default:
			// The timer may lag behind a poller; the once guard keeps this single.
			go c.fire()
		}
		return 0
	}
	return left
}

// Cancel suppresses the pending deadline. A clock cancelled before Start never
// arms. It reports whether a signal was actually suppressed.
func (c *Clock) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelled {
		return false
	}
	c.cancelled = true
	if !c.started {
		return true
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	select {
	case <-c.fired:
		return false
	default:
		return true
	}
}

// Fired is closed once the deadline signal has been delivered.
func (c *Clock) Fired() <-chan struct{} {
	return c.fired
}

func (c *Clock) fire() {
	c.once.Do(func() {
		c.mu.Lock()
		if c.cancelled {
			c.mu.Unlock()
			return
		}
		cb := c.onDeadline
		close(c.fired)
		c.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
