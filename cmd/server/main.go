// Package main is the entry point for the issue capture server.
//
// EDUCATIONAL CONTEXT:
// In Go, the 'main' package is special. It defines a standalone executable program,
// not a library. The 'main' function within this package is where execution begins.
//
// This server is designed to:
// 1. Load layered configuration (defaults, YAML file, environment).
// 2. Initialize the relational store and the content store for screenshots.
// 3. Wire the ingestion pipeline and the HTTP router.
// 4. Serve until SIGINT/SIGTERM, then drain in-flight requests.
//
// ARCHITECTURE NOTE:
// - 'cmd/server' contains the application assembly and startup logic.
// - 'internal/handler' contains the HTTP transport layer logic.
// - 'internal/ingest' contains the submission pipeline.
// - 'internal/repository' and 'internal/storage' contain persistence.
// - 'internal/model' contains the domain data structures.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/bluefermion/issuecapture/internal/config"
	"github.com/bluefermion/issuecapture/internal/handler"
	"github.com/bluefermion/issuecapture/internal/ingest"
	"github.com/bluefermion/issuecapture/internal/logging"
	"github.com/bluefermion/issuecapture/internal/metrics"
	"github.com/bluefermion/issuecapture/internal/middleware"
	"github.com/bluefermion/issuecapture/internal/project"
	"github.com/bluefermion/issuecapture/internal/repository"
	"github.com/bluefermion/issuecapture/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "issuecapture: %v\n", err)
		os.Exit(1)
	}
}

// run orchestrates the startup sequence: config -> db -> storage -> pipeline
// -> router -> server. Returning an error instead of exiting lets the
// deferred cleanups run.
func run() error {
	// -------------------------------------------------------------------------
	// 1. CONFIGURATION & LOGGING
	// -------------------------------------------------------------------------

	cfg, err := config.FromEnvironment()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	// The root context is cancelled on SIGINT/SIGTERM and stops background work.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// -------------------------------------------------------------------------
	// 2. DEPENDENCY INJECTION & INITIALIZATION
	// -------------------------------------------------------------------------

	repo, err := repository.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	// 'defer' ensures database connections are cleaned up on every exit path.
	defer repo.Close()

	if err := project.Seed(ctx, repo, cfg.Projects, logger); err != nil {
		return fmt.Errorf("seed projects: %w", err)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	collector := metrics.New()
	resolver := project.NewResolver(repo, logger)
	svc := ingest.NewService(ingest.Dependencies{
		Resolver: resolver,
		Store:    store,
		Repo:     repo,
		Recorder: collector,
		Logger:   logger,
	}, cfg.Ingest, cfg.Server.RequestTimeout)

	// Background reconciliation of orphaned screenshot objects.
	reconciler := storage.NewReconciler(store, repo.IssueExists,
		cfg.Storage.SweepInterval, cfg.Storage.OrphanGrace, logger.Named("sweep"))
	reconciler.OnSweep = func(r storage.SweepReport) {
		collector.SweepCompleted(r.RemovedOrphans + r.RemovedTemps)
	}
	go reconciler.Run(ctx)

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Capacity > 0 {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond)
		go limiter.Cleanup(ctx, 5*time.Minute, 10*time.Minute)
	}

	// -------------------------------------------------------------------------
	// 3. ROUTER SETUP
	// -------------------------------------------------------------------------

	router := handler.NewRouter(handler.RouterOptions{
		Issues: handler.NewIssueHandler(svc, resolver, repo, store, cfg.Server.MaxBodyBytes, logger),
		Health: map[string]middleware.HealthChecker{
			"database": middleware.CheckFunc(repo.Ping),
		},
		Metrics:        collector.Handler(),
		Limiter:        limiter,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         logger.Named("http"),
	})

	// -------------------------------------------------------------------------
	// 4. SERVER START & GRACEFUL SHUTDOWN
	// -------------------------------------------------------------------------

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Reads and writes get headroom over the pipeline deadline so a slow
		// upload is cut by the pipeline, which cleans up after itself.
		ReadTimeout:  cfg.Server.RequestTimeout + 5*time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.String("database", string(repo.Dialect())),
			zap.String("storage", cfg.Storage.Backend),
			zap.String("maxScreenshot", humanize.IBytes(uint64(cfg.Ingest.MaxScreenshotBytes))),
			zap.String("maxBody", humanize.IBytes(uint64(cfg.Server.MaxBodyBytes))))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openStore returns the configured content store.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "minio":
		return storage.NewMinioStore(ctx, cfg.Storage.Minio, logger.Named("storage"))
	default:
		return storage.NewOSStore(cfg.Storage.Root, logger.Named("storage"))
	}
}
