package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-assessment/internal/config"
	"github.com/stemsi/exstem-assessment/internal/response"
)

const healthTimeout = 2 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionCounter reports how many sessions are held in memory.
type SessionCounter interface {
	Len() int
}

// SystemHandler reports process and dependency health.
type SystemHandler struct {
	db        Pinger
	rdb       *redis.Client
	sessions  SessionCounter
	startTime time.Time
	log       zerolog.Logger
}

// NewSystemHandler creates a new SystemHandler. rdb may be nil.
func NewSystemHandler(db Pinger, rdb *redis.Client, sessions SessionCounter, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		db:        db,
		rdb:       rdb,
		sessions:  sessions,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type healthReport struct {
	Status       string            `json:"status"`
	Uptime       string            `json:"uptime"`
	Goroutines   int               `json:"goroutines"`
	LiveSessions int               `json:"live_sessions"`
	Checks       map[string]string `json:"checks"`

	// Worker Queues
	QueueAnswers int64 `json:"queue_answers"`
	QueueScoring int64 `json:"queue_scoring"`
}

// Health godoc
// GET /health
// Answers 503 when PostgreSQL or Redis is unreachable.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	report := healthReport{
		Status:     "ok",
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
		Checks:     make(map[string]string),
	}
	if h.sessions != nil {
		report.LiveSessions = h.sessions.Len()
	}

	if h.db != nil {
		report.Checks["postgres"] = checkStatus(h.db.Ping(ctx))
	}
	if h.rdb != nil {
		report.Checks["redis"] = checkStatus(h.rdb.Ping(ctx).Err())

		// ── Worker Queues (pipelined LLEN) ──
		pipe := h.rdb.Pipeline()
		answersCmd := pipe.LLen(ctx, config.WorkerKey.PersistAnswersQueue)
		scoringCmd := pipe.LLen(ctx, config.WorkerKey.RetryScoringQueue)
		if _, err := pipe.Exec(ctx); err == nil {
			report.QueueAnswers, _ = answersCmd.Result()
			report.QueueScoring, _ = scoringCmd.Result()
		}
	}

	status := http.StatusOK
	for name, s := range report.Checks {
		if s != "ok" {
			h.log.Warn().Str("dependency", name).Str("error", s).Msg("Health check failed")
			report.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}

	response.Success(c, status, report)
}

func checkStatus(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}
