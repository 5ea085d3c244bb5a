// Package main is the entrypoint for the Musegen API server: HTTP surface,
// worker pool and reconciliation sweep in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/musegen/musegen/internal/api"
	"github.com/musegen/musegen/internal/api/handler"
	mw "github.com/musegen/musegen/internal/api/middleware"
	"github.com/musegen/musegen/internal/api/response"
	"github.com/musegen/musegen/internal/config"
	"github.com/musegen/musegen/internal/generate"
	"github.com/musegen/musegen/internal/pipeline"
	"github.com/musegen/musegen/internal/queue"
	"github.com/musegen/musegen/internal/store"
)

const (
	shutdownTimeout = 30 * time.Second
	requestsPerMin  = 60
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"generator", cfg.Generator.Provider,
		"workers", cfg.Worker.Concurrency,
		"env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create the Redis dispatch queue
	dispatch, err := queue.NewRedisQueue(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create dispatch queue: %w", err)
	}
	defer dispatch.Close()

	if err := dispatch.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create the generation provider
	generator, err := generate.NewGenerator(cfg.Generator)
	if err != nil {
		return fmt.Errorf("create generator: %w", err)
	}
	slog.Info("generator initialized", "provider", generator.Name())

	// 6. Create store and pipeline components
	pgStore := store.NewPostgresStore(pool)
	service := pipeline.NewService(pgStore, dispatch, cfg.Generator.DefaultMaxTokens)
	admin := pipeline.NewAdmin(pgStore, dispatch)

	workers := pipeline.NewWorkerPool(pgStore, dispatch, generator,
		cfg.Worker, cfg.Generator.GenerationTimeout)
	workers.Start(ctx)

	reconciler := pipeline.NewReconciler(pgStore, dispatch, cfg.Reconcile)
	reconciler.Start(ctx)

	// 7. Build router with dependencies
	logger := slog.Default()
	submitH := handler.NewSubmitHandler(service, logger)
	statusH := handler.NewStatusHandler(service, logger)
	streamH := handler.NewStreamHandler(service, cfg.Stream, logger)
	adminH := handler.NewAdminHandler(admin, service, logger)

	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(dispatch, requestsPerMin),

		HealthHandler: healthHandler(pgStore, dispatch),

		SubmitHandler: submitH.Submit,
		RemixHandler:  submitH.Remix,

		GetJobHandler:         statusH.GetJob,
		ListJobsHandler:       statusH.ListJobs,
		GetApplicationHandler: statusH.GetApplication,

		StreamProgressHandler: streamH.StreamProgress,
		StreamContentHandler:  streamH.StreamContent,

		CancelJobHandler:  adminH.Cancel,
		RetryJobHandler:   adminH.Retry,
		CleanOldHandler:   adminH.CleanOld,
		ActiveJobsHandler: adminH.ActiveJobs,
		QueueStatsHandler: adminH.QueueStats,
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: SSE streams outlive any fixed deadline and
		// enforce their own maximum duration.
		IdleTimeout: 60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Workers see ctx cancellation and finish writing out in-flight jobs.
	workers.Wait()

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and queue connectivity.
func healthHandler(s store.Store, q queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"queue":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := q.Ping(r.Context()); err != nil {
			checks["queue"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["queue"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
