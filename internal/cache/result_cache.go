package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-assessment/internal/config"
	"github.com/stemsi/exstem-assessment/internal/model"
)

// ResultCache keeps recorded results close to the results endpoint.
type ResultCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewResultCache creates a ResultCache with the given entry TTL.
func NewResultCache(rdb *redis.Client, ttl time.Duration) *ResultCache {
	return &ResultCache{rdb: rdb, ttl: ttl}
}

// Get returns a cached result, or nil on a miss.
func (c *ResultCache) Get(ctx context.Context, sessionID uuid.UUID) (*model.SessionResult, error) {
	raw, err := c.rdb.Get(ctx, config.CacheKey.SessionResultKey(sessionID.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var res model.SessionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Set stores a recorded result.
func (c *ResultCache) Set(ctx context.Context, res model.SessionResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, config.CacheKey.SessionResultKey(res.SessionID.String()), raw, c.ttl).Err()
}
