package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-assessment/internal/analytics"
	"github.com/stemsi/exstem-assessment/internal/autosave"
	"github.com/stemsi/exstem-assessment/internal/cache"
	"github.com/stemsi/exstem-assessment/internal/config"
	"github.com/stemsi/exstem-assessment/internal/database"
	"github.com/stemsi/exstem-assessment/internal/handler"
	"github.com/stemsi/exstem-assessment/internal/logger"
	"github.com/stemsi/exstem-assessment/internal/middleware"
	"github.com/stemsi/exstem-assessment/internal/model"
	"github.com/stemsi/exstem-assessment/internal/repository"
	"github.com/stemsi/exstem-assessment/internal/router"
	"github.com/stemsi/exstem-assessment/internal/service"
	"github.com/stemsi/exstem-assessment/internal/session"
	"github.com/stemsi/exstem-assessment/internal/validator"
	"github.com/stemsi/exstem-assessment/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Str("autosave_backend", string(cfg.Autosave.Backend)).
		Msg("Starting ExStem Assessment")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories & Caches ──────────────────────────────
	sessionRepo := repository.NewSessionRepository(pool)
	answerRepo := repository.NewAnswerRepository(pool)
	benchmarkRepo := repository.NewBenchmarkRepository(pool)
	resultCache := cache.NewResultCache(rdb, cfg.Session.ResultCacheTTL)

	var answerStore autosave.Store = answerRepo
	if cfg.Autosave.Backend == config.AutosaveBackendRedis {
		answerStore = cache.NewAnswerCache(rdb, 0)
	}

	engine := analytics.New(analytics.Thresholds{
		Strength: cfg.Scoring.StrengthThreshold,
		Weakness: cfg.Scoring.WeaknessThreshold,
	})

	// ─── Initialize Services ──────────────────────────────────────────
	var svc *service.AssessmentService

	retrier := worker.NewScoringRetrier(
		worker.NewRedisJobQueue(rdb),
		sessionRepo,
		engine,
		worker.RetrierConfig{Interval: cfg.Scoring.RetryInterval, MaxAttempts: cfg.Scoring.RetryMaxAttempts},
		func(res model.SessionResult) { svc.Recorded(res) },
		log,
	)

	manager := session.NewManager(session.Deps{
		Answers:   answerStore,
		Results:   sessionRepo,
		Retrier:   retrier,
		Analytics: engine,
		Autosave: autosave.Config{
			Interval:     cfg.Autosave.Interval,
			BatchSize:    cfg.Autosave.BatchSize,
			MaxAttempts:  cfg.Autosave.MaxAttempts,
			InitialWait:  cfg.Autosave.Backoff,
			MaxWait:      cfg.Autosave.MaxBackoff,
			Multiplier:   2,
			FlushTimeout: cfg.Session.FinalFlushTimeout,
		},
		FinalFlushTimeout: cfg.Session.FinalFlushTimeout,
		SubmitReplyWindow: cfg.Session.SubmitReplyWindow,
		Log:               log,
		OnTerminal:        func(s *session.Session) { svc.Terminal(s) },
	}, cfg.Session.Retention, log)

	svc = service.NewAssessmentService(manager, sessionRepo, answerRepo, resultCache, benchmarkRepo, engine, log)
	verifier := service.NewTokenVerifier(cfg.JWTSecret)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(svc),
		WS:      handler.NewWSHandler(svc, log, cfg.AllowedOrigins),
		System:  handler.NewSystemHandler(pool, rdb, manager, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	if cfg.Autosave.Backend == config.AutosaveBackendRedis {
		autosaveWorker := worker.NewAutosaveWorker(answerRepo, rdb, log)
		workers.Add(1)
		go func() {
			defer workers.Done()
			autosaveWorker.Start(workerCtx)
		}()
	}

	workers.Add(1)
	go func() {
		defer workers.Done()
		retrier.Start(workerCtx)
	}()

	writeLimiter := middleware.NewRateLimiter(cfg.WriteRateLimit, time.Minute)
	go writeLimiter.Cleanup(workerCtx.Done(), time.Minute, 3*time.Minute)

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(verifier, writeLimiter, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Flush the autosave channels of sessions still in progress.
	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), cfg.Session.FinalFlushTimeout+time.Second)
	manager.Shutdown(releaseCtx)
	releaseCancel()

	// 3. Stop background workers; they drain their queues before returning.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
