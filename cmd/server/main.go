package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/gateway"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/proctoring"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
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

	// ─── Metrics ───────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// ─── Initialize Repositories ───────────────────────────────────────
	quizRepo := repository.NewQuizRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool)
	responseRepo := repository.NewResponseRepository(pool)
	eventRepo := repository.NewEventRepository(pool)
	submissionRepo := repository.NewSubmissionRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry, rdb)
	quizService := service.NewQuizService(quizRepo, attemptRepo, rdb, cfg.BcryptCost, log)
	gradingService := service.NewGradingService(submissionRepo, log)

	gw := gateway.NewRedisGateway(rdb, log).WithDurable(responseRepo)
	manager := session.NewManager(quizService, session.Deps{
		Gateway:   gw,
		Grader:    gradingService,
		Events:    gw,
		Push:      proctoring.NewSubscriber(rdb, log),
		Finalizer: gw,
		Observer:  m,
		Log:       log,
	}, session.OptionsFromConfig(cfg.Session), cfg.Session.AttemptRetention)
	monitorService := service.NewMonitorService(quizService, attemptRepo, eventRepo, manager)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:    handler.NewAuthHandler(authService),
		Attempt: handler.NewAttemptHandler(manager, log),
		WS: handler.NewWSHandler(manager, m, log, handler.WSOptions{
			AllowedOrigins: cfg.AllowedOrigins,
			ResyncInterval: cfg.Session.StateResyncInterval,
			EventsPerSec:   cfg.Session.ProctorEventsPerSec,
			EventBurst:     cfg.Session.ProctorEventBurst,
		}),
		Admin:   handler.NewAdminHandler(manager, monitorService, authService, quizService, proctoring.NewPublisher(rdb), log),
		Monitor: handler.NewMonitorHandler(manager, monitorService, log),
		System:  handler.NewSystemHandler(pool, rdb, manager, log),
	}

	limiters := &router.Limiters{
		Start:  middleware.NewRateLimiter(cfg.Session.StartAttemptsPerMin, time.Minute),
		Intent: middleware.NewRateLimiter(cfg.Session.IntentsPerMin, time.Minute),
	}

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Load all published quizzes into Redis before accepting traffic.
	if err := quizService.PrewarmAllCaches(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	// ─── Resume Open Attempts ─────────────────────────────────────────
	// Attempts left in progress by the previous process get their engines
	// back, so overdue ones are submitted by the timer.
	if _, err := manager.Recover(ctx, quizService, nil); err != nil {
		log.Error().Err(err).Msg("Failed to resume open attempts")
	}
	manager.EnableRecovery(quizService, cfg.Session.OrphanGrace)

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workers, workerCtx := errgroup.WithContext(workerCtx)

	starts := []func(context.Context){
		worker.NewAutosaveWorker(responseRepo, rdb, log, m).Start,
		worker.NewFlagsWorker(attemptRepo, rdb, log, m).Start,
		worker.NewProctoringWorker(eventRepo, rdb, log, m).Start,
		worker.NewFinalizeWorker(attemptRepo, rdb, log, m).Start,
		func(ctx context.Context) { manager.RunReaper(ctx, cfg.Session.ReaperInterval) },
		func(ctx context.Context) {
			done := ctx.Done()
			go limiters.Start.RunCleanup(done)
			limiters.Intent.RunCleanup(done)
		},
	}
	for _, start := range starts {
		workers.Go(func() error {
			start(workerCtx)
			return nil
		})
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, limiters, m, cfg, log)

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

	// 1. Stop accepting new HTTP requests. Hijacked WebSocket connections
	// are not tracked by Shutdown and end when their engines close.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop the engines. In-progress attempts stay in progress and are
	// resumed when the next process boots.
	manager.Close()

	// 3. Stop background workers after the engines' last writes are queued.
	workerCancel()
	if err := workers.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker shutdown error")
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
