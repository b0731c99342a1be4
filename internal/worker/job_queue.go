package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-assessment/internal/config"
	"github.com/stemsi/exstem-assessment/internal/session"
)

// JobQueue holds finalize jobs waiting for another recording attempt.
// Pop returns (nil, nil) when nothing arrived within timeout.
type JobQueue interface {
	Push(ctx context.Context, job session.FinalizeJob) error
	Pop(ctx context.Context, timeout time.Duration) (*session.FinalizeJob, error)
}

// RedisJobQueue keeps jobs on retry_scoring_queue so they survive restarts.
type RedisJobQueue struct {
	rdb *redis.Client
}

// NewRedisJobQueue creates a RedisJobQueue.
func NewRedisJobQueue(rdb *redis.Client) *RedisJobQueue {
	return &RedisJobQueue{rdb: rdb}
}

func (q *RedisJobQueue) Push(ctx context.Context, job session.FinalizeJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.RPush(ctx, config.WorkerKey.RetryScoringQueue, raw).Err()
}

func (q *RedisJobQueue) Pop(ctx context.Context, timeout time.Duration) (*session.FinalizeJob, error) {
	item, err := q.rdb.BLPop(ctx, timeout, config.WorkerKey.RetryScoringQueue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(item) < 2 {
		return nil, nil
	}

	var job session.FinalizeJob
	if err := json.Unmarshal([]byte(item[1]), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// MemoryJobQueue is an in-process queue, used when Redis is unreachable.
type MemoryJobQueue struct {
	jobs chan session.FinalizeJob
}

// NewMemoryJobQueue creates a queue holding up to size jobs.
func NewMemoryJobQueue(size int) *MemoryJobQueue {
	return &MemoryJobQueue{jobs: make(chan session.FinalizeJob, size)}
}

// ErrQueueFull is returned when a MemoryJobQueue cannot take another job.
var ErrQueueFull = errors.New("job queue is full")

func (q *MemoryJobQueue) Push(_ context.Context, job session.FinalizeJob) error {
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryJobQueue) Pop(ctx context.Context, timeout time.Duration) (*session.FinalizeJob, error) {
	if timeout <= 0 {
		select {
		case job := <-q.jobs:
			return &job, nil
		default:
			return nil, nil
		}
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case job := <-q.jobs:
		return &job, nil
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of queued jobs.
func (q *MemoryJobQueue) Len() int {
	return len(q.jobs)
}
