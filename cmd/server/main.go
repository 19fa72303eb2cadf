package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/messaging"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
	"golang.org/x/sync/errgroup"
)

// entryRatePerMinute caps Start/Recover calls per client IP.
const entryRatePerMinute = 30

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Proctor")

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

	// ─── Event Publishers ──────────────────────────────────────────────
	publishers := service.MultiPublisher{service.NewRedisMonitorPublisher(rdb, log)}
	if cfg.AMQPURL != "" {
		mq, err := messaging.NewRabbitMQClient(cfg.AMQPURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
		}
		defer mq.Close()
		publishers = append(publishers, service.NewAMQPPublisher(mq, log))
		log.Info().Msg("RabbitMQ connected, completion events enabled")
	}

	// ─── Initialize Repositories ───────────────────────────────────────
	examRepo := repository.NewExamRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool)
	activityRepo := repository.NewActivityRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	tokenService := service.NewTokenService(cfg.JWTSecret, cfg.AttemptTokenTTL, cfg.AdminTokenTTL)
	examService := service.NewExamService(examRepo, questionRepo, rdb, log)
	activityService := service.NewActivityService(activityRepo, rdb, log)
	attemptService := service.NewAttemptService(
		attemptRepo,
		examService,
		activityService,
		publishers,
		service.AttemptOptions{
			SubmitGrace:       cfg.SubmitGrace,
			HeartbeatInterval: cfg.HeartbeatInterval,
		},
		log,
	)
	monitorService := service.NewMonitorService(attemptRepo, activityRepo, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Attempt: handler.NewAttemptHandler(attemptService, tokenService, cfg.SubmitTimeout, log),
		Admin:   handler.NewAdminHandler(attemptService, examService, cfg.SweepBatchSize, log),
		WS:      handler.NewWSHandler(attemptService, cfg.SubmitTimeout, log, cfg.AllowedOrigins),
		Monitor: handler.NewMonitorHandler(rdb, examService, attemptService, monitorService, log),
		System:  handler.NewSystemHandler(pool, rdb, log),
	}
	middlewares := &router.Middlewares{
		EntryLimiter:   middleware.NewRateLimiter(entryRatePerMinute, time.Minute),
		AttemptLimiter: middleware.NewAttemptRateLimiter(rdb, cfg.AttemptRateLimit, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workers, workerCtx := errgroup.WithContext(workerCtx)

	activityWorker := worker.NewActivityWorker(activityRepo, rdb, log)
	expirySweeper := worker.NewExpirySweeper(attemptService, rdb, cfg.SweepInterval, cfg.SweepBatchSize, log)

	workers.Go(func() error { return activityWorker.Start(workerCtx) })
	workers.Go(func() error { return expirySweeper.Start(workerCtx) })

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Load all active exams into Redis BEFORE accepting traffic.
	if err := examService.PrewarmAllCaches(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(tokenService, handlers, middlewares, cfg, log)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")
	case <-workerCtx.Done():
		// errgroup cancels workerCtx when a worker fails.
		log.Error().Msg("Background worker failed, shutting down...")
	}

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop background workers and wait for the activity buffer to flush.
	workerCancel()
	if err := workers.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker exited with error")
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
