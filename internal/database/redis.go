package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-assessment/internal/config"
)

// NewRedisClient opens the client shared by the answer store, the result
// cache and the queue workers, and checks that Redis answers.
func NewRedisClient(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*redis.Client, error) {
	opt, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info().
		Str("addr", opt.Addr).
		Int("db", opt.DB).
		Int("min_idle_conns", opt.MinIdleConns).
		Msg("Redis connected")

	return rdb, nil
}

// redisOptions parses cfg.RedisURL. Command deadlines follow the caller's
// context so autosave writes give up when their flush budget ends.
func redisOptions(cfg *config.Config) (*redis.Options, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	if opt.ClientName == "" {
		opt.ClientName = applicationName
	}
	opt.ContextTimeoutEnabled = true
	if opt.MinIdleConns == 0 {
		opt.MinIdleConns = 2
	}
	return opt, nil
}
