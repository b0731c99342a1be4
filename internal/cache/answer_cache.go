// Package cache holds the Redis-backed hot paths: the autosave answer
// mirror with its persistence queue, and the recorded result cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-assessment/internal/config"
	"github.com/stemsi/exstem-assessment/internal/model"
)

const versionPrefix = "v:"

// saveAnswer applies one delta if the session is open and the delta is newer
// than the mirrored record, then queues it for PostgreSQL.
//
// KEYS: answers hash, closed marker, persistence queue.
// ARGV: question id, version, record JSON, queue payload.
var saveAnswer = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
	return -1
end
local current = tonumber(redis.call("HGET", KEYS[1], "v:" .. ARGV[1]) or "-1")
if current >= tonumber(ARGV[2]) then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[3], "v:" .. ARGV[1], ARGV[2])
redis.call("RPUSH", KEYS[3], ARGV[4])
return 1
`)

// AnswerCache mirrors autosaved answers in Redis and feeds the
// persist_answers_queue drained by the autosave worker.
type AnswerCache struct {
	rdb       *redis.Client
	closedTTL time.Duration
}

// NewAnswerCache creates an AnswerCache. Closed sessions keep their mirror
// for closedTTL.
func NewAnswerCache(rdb *redis.Client, closedTTL time.Duration) *AnswerCache {
	if closedTTL <= 0 {
		closedTTL = 24 * time.Hour
	}
	return &AnswerCache{rdb: rdb, closedTTL: closedTTL}
}

// SaveDeltas applies a batch in one pipeline. Deltas for a closed session
// are dropped by the script.
func (c *AnswerCache) SaveDeltas(ctx context.Context, deltas []model.AutosaveDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	pipe := c.rdb.Pipeline()
	for _, d := range deltas {
		sid := d.SessionID.String()
		record, err := json.Marshal(d.Record)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		payload, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encode delta: %w", err)
		}
		saveAnswer.Eval(ctx, pipe,
			[]string{
				config.CacheKey.SessionAnswersKey(sid),
				config.CacheKey.SessionClosedKey(sid),
				config.WorkerKey.PersistAnswersQueue,
			},
			d.Record.QuestionID, d.Record.Version, record, payload,
		)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("autosave pipeline: %w", err)
	}
	return nil
}

// MarkClosed rejects further writes for the session and lets its mirror expire.
func (c *AnswerCache) MarkClosed(ctx context.Context, sessionID uuid.UUID) error {
	sid := sessionID.String()
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, config.CacheKey.SessionClosedKey(sid), 1, c.closedTTL)
	pipe.Expire(ctx, config.CacheKey.SessionAnswersKey(sid), c.closedTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// IsClosed reports whether the session was marked closed.
func (c *AnswerCache) IsClosed(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	n, err := c.rdb.Exists(ctx, config.CacheKey.SessionClosedKey(sessionID.String())).Result()
	return n == 1, err
}

// Snapshot returns the mirrored records of a session keyed by question id.
func (c *AnswerCache) Snapshot(ctx context.Context, sessionID uuid.UUID) (map[string]model.AnswerRecord, error) {
	raw, err := c.rdb.HGetAll(ctx, config.CacheKey.SessionAnswersKey(sessionID.String())).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]model.AnswerRecord, len(raw)/2)
	for field, value := range raw {
		if strings.HasPrefix(field, versionPrefix) {
			continue
		}
		var rec model.AnswerRecord
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			return nil, fmt.Errorf("decode answer %s: %w", field, err)
		}
		out[field] = rec
	}
	return out, nil
}

// Version returns the mirrored version of one answer, or -1 when absent.
func (c *AnswerCache) Version(ctx context.Context, sessionID uuid.UUID, questionID string) (int64, error) {
	v, err := c.rdb.HGet(ctx, config.CacheKey.SessionAnswersKey(sessionID.String()), versionPrefix+questionID).Result()
	if errors.Is(err, redis.Nil) {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}
