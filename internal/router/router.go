package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attempt *handler.AttemptHandler
	Admin   *handler.AdminHandler
	WS      *handler.WSHandler
	Monitor *handler.MonitorHandler
	System  *handler.SystemHandler
}

// Middlewares groups the stateful middlewares built at startup.
type Middlewares struct {
	EntryLimiter   *middleware.RateLimiter
	AttemptLimiter *middleware.AttemptRateLimiter
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	tokens middleware.TokenValidator,
	handlers *Handlers,
	mw *Middlewares,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

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
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())
	router.Use(logger.RequestLogger(log))

	router.GET("/health", handlers.System.Health)

	// ─── 1. Entry Group (Public, IP Rate Limited) ──────────────────────
	entry := router.Group("/api/v1/exams/:exam_id")
	entry.Use(mw.EntryLimiter.Middleware())
	{
		entry.POST("/attempts/start", handlers.Attempt.Start)
		entry.GET("/attempts/recover", handlers.Attempt.Recover)
	}

	// ─── 2. Attempt Group (Attempt JWT) ────────────────────────────────
	attemptAPI := router.Group("/api/v1/attempts/:attempt_id")
	attemptAPI.Use(
		middleware.RequireAttemptJWT(tokens),
		mw.AttemptLimiter.Middleware(),
	)
	{
		attemptAPI.POST("/resume", handlers.Attempt.Resume)
		attemptAPI.GET("/paper", handlers.Attempt.GetPaper)
		attemptAPI.PUT("/answers/:question_id", handlers.Attempt.SaveAnswer)
		attemptAPI.POST("/heartbeat", handlers.Attempt.Heartbeat)
		attemptAPI.POST("/events", handlers.Attempt.RecordEvent)
		attemptAPI.POST("/submit", handlers.Attempt.Submit)
		attemptAPI.GET("/result", handlers.Attempt.GetResult)
	}

	// ─── 3. WebSocket Group (Attempt WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireAttemptWSAuth(tokens))
	{
		ws.GET("/attempts/:attempt_id/stream", handlers.WS.AttemptStream)
	}

	// ─── 4. Admin Group (Admin JWT) ────────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireAdminJWT(tokens))
	{
		adminAPI.GET("/exams/:id/attempts", handlers.Admin.ListAttempts)
		adminAPI.POST("/exams/:id/refresh-cache", handlers.Admin.RefreshExamCache)
		adminAPI.GET("/exams/:id/monitor", handlers.Monitor.MonitorExamSSE)
		adminAPI.GET("/attempts/:attempt_id", handlers.Admin.GetAttempt)
		adminAPI.POST("/attempts/:attempt_id/expire", handlers.Admin.ExpireAttempt)
		adminAPI.POST("/sweep", handlers.Admin.Sweep)
		adminAPI.GET("/system/status", handlers.System.Status)
	}

	return router
}
