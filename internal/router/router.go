package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-assessment/internal/config"
	"github.com/stemsi/exstem-assessment/internal/handler"
	"github.com/stemsi/exstem-assessment/internal/middleware"
	"github.com/stemsi/exstem-assessment/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	WS      *handler.WSHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	verifier middleware.TokenValidator,
	writeLimiter *middleware.RateLimiter,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", response.HeaderRequestID}
	corsConfig.ExposeHeaders = []string{response.HeaderRequestID}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.Brotli())

	router.GET("/health", handlers.System.Health)

	// ─── 1. Sessions (JWT) ─────────────────────────────────────────────
	api := router.Group("/api/v1")
	api.Use(middleware.RequireJWT(verifier), middleware.NoStore())
	{
		sessions := api.Group("/sessions")
		{
			sessions.POST("", handlers.Session.CreateSession)
			sessions.POST("/:id/start", handlers.Session.StartSession)
			sessions.PUT("/:id/answers/:question_id", writeLimiter.Middleware(), handlers.Session.SetAnswer)
			sessions.POST("/:id/time", writeLimiter.Middleware(), handlers.Session.AddTimeSpent)
			sessions.POST("/:id/submit", handlers.Session.SubmitSession)
			sessions.GET("/:id/state", handlers.Session.GetState)
			sessions.GET("/:id/result", handlers.Session.GetResult)
			sessions.GET("/:id/report", handlers.Session.GetReport)
		}

		api.GET("/users/me/analytics", handlers.Session.GetMyAnalytics)
	}

	// ─── 2. WebSocket (JWT via ?token=) ────────────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireJWT(verifier))
	{
		ws.GET("/sessions/:id/stream", handlers.WS.SessionStream)
	}

	return router
}
