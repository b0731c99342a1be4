package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, AutosaveBackendRedis, cfg.Autosave.Backend)
	assert.Equal(t, 3*time.Second, cfg.Autosave.Interval)
	assert.Equal(t, 20, cfg.Autosave.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Session.FinalFlushTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Session.SubmitReplyWindow)
	assert.Equal(t, 10*time.Minute, cfg.Session.Retention)
	assert.InDelta(t, 0.7, cfg.Scoring.StrengthThreshold, 1e-9)
	assert.InDelta(t, 0.4, cfg.Scoring.WeaknessThreshold, 1e-9)
	assert.Nil(t, cfg.AllowedOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("AUTOSAVE_BACKEND", "Postgres")
	t.Setenv("AUTOSAVE_INTERVAL_MS", "500")
	t.Setenv("MAX_DB_CONNS", "4")
	t.Setenv("STRENGTH_THRESHOLD", "0.8")
	t.Setenv("ALLOWED_ORIGINS", "https://a.test, ,https://b.test")
	t.Setenv("AUTOSAVE_BATCH_SIZE", "not-a-number")

	cfg := Load()

	assert.Equal(t, AutosaveBackendPostgres, cfg.Autosave.Backend)
	assert.Equal(t, 500*time.Millisecond, cfg.Autosave.Interval)
	assert.Equal(t, int32(4), cfg.MaxDBConns)
	assert.InDelta(t, 0.8, cfg.Scoring.StrengthThreshold, 1e-9)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.AllowedOrigins)
	assert.Equal(t, 20, cfg.Autosave.BatchSize, "invalid values fall back")
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "session:abc:answers", CacheKey.SessionAnswersKey("abc"))
	assert.Equal(t, "session:abc:closed", CacheKey.SessionClosedKey("abc"))
	assert.Equal(t, "session:abc:result", CacheKey.SessionResultKey("abc"))
}
