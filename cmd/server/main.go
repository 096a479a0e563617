// Package main is the entrypoint for the scanpipe API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/scanpipe/internal/api"
	"github.com/kiranshivaraju/scanpipe/internal/api/handler"
	mw "github.com/kiranshivaraju/scanpipe/internal/api/middleware"
	"github.com/kiranshivaraju/scanpipe/internal/api/response"
	"github.com/kiranshivaraju/scanpipe/internal/apikey"
	"github.com/kiranshivaraju/scanpipe/internal/cache"
	"github.com/kiranshivaraju/scanpipe/internal/colmap"
	"github.com/kiranshivaraju/scanpipe/internal/config"
	"github.com/kiranshivaraju/scanpipe/internal/orchestrator"
	"github.com/kiranshivaraju/scanpipe/internal/storage"
	"github.com/kiranshivaraju/scanpipe/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout    = 30 * time.Second
	healthCheckTimeout = 3 * time.Second
)

var logLevel = new(slog.LevelVar)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load .env (optional) and config, failing fast on invalid config
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logLevel.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"store", cfg.Database.Driver,
		"final_stage", cfg.Orchestrator.FinalStage,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Store
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Cache
	c, closeCache, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	// 4. Processing service and local storage
	colmapClient := colmap.NewHTTPClient(cfg.Colmap.BaseURL, colmap.Options{
		Timeout: max(cfg.Colmap.StartTimeout, cfg.Colmap.PollTimeout, cfg.Colmap.CancelTimeout),
		MaxRPS:  cfg.Colmap.MaxRPS,
		Burst:   cfg.Colmap.Burst,
	})
	files, err := storage.NewFileStore(cfg.Storage.Root)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	slog.Info("storage ready", "root", files.BasePath(), "colmap", cfg.Colmap.BaseURL)

	// 5. Orchestrator and background reconciler
	orch, err := orchestrator.New(orchestrator.Deps{
		Store:  st,
		Cache:  c,
		Colmap: colmapClient,
		Files:  files,
	}, orchestrator.Config{
		StartTimeout:         cfg.Colmap.StartTimeout,
		PollTimeout:          cfg.Colmap.PollTimeout,
		CancelTimeout:        cfg.Colmap.CancelTimeout,
		PollFailureThreshold: cfg.Orchestrator.PollFailureThreshold,
		StatusCacheTTL:       cfg.Orchestrator.StatusCacheTTL,
		DefaultQuality:       cfg.Orchestrator.DefaultQuality,
		DefaultCameraModel:   cfg.Orchestrator.DefaultCameraModel,
		FinalStage:           cfg.Orchestrator.FinalStage,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	reconciler := orchestrator.NewReconciler(st, orch.Poller, cfg.Orchestrator.ReconcileSchedule, 0)
	if err := reconciler.Start(); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}

	// 6. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(c, cfg.RateLimit.PerMinute),

		HealthHandler:  healthHandler(st, c, colmapClient),
		MetricsHandler: promhttp.Handler(),

		CreateScan: handler.NewCreateScanHandler(st, files),
		GetScan:    handler.NewGetScanHandler(st),
		DeleteScan: handler.NewDeleteScanHandler(st, orch.Canceller, files),

		CreateStage: handler.NewCreateStageHandler(orch.Dispatcher),
		ScanStatus:  handler.NewScanStatusHandler(orch.Poller),

		GetJob:    handler.NewGetJobHandler(st),
		CancelJob: handler.NewCancelJobHandler(orch.Canceller),

		ListAssets:    handler.NewListAssetsHandler(st),
		UpdateAsset:   handler.NewUpdateAssetHandler(st),
		DeleteAsset:   handler.NewDeleteAssetHandler(st, files),
		DownloadAsset: handler.NewDownloadAssetHandler(st, files, colmapClient),

		CreateKeyHandler: handler.NewCreateKeyHandler(st, 0),
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown: stop taking requests, then let background work finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", "error", err)
	}
	reconciler.Stop()
	if err := orch.Wait(shutdownCtx); err != nil {
		slog.Warn("background work still running at shutdown", "error", err)
	}

	if serveErr != nil {
		return serveErr
	}
	slog.Info("server stopped gracefully")
	return nil
}

// openStore connects to the configured store. The memory driver gets a
// generated admin key logged once, since nothing else can create one.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Database.Driver == "memory" {
		ms := store.NewMemoryStore()
		if err := bootstrapAdminKey(ctx, ms); err != nil {
			return nil, nil, err
		}
		slog.Warn("using in-memory store; data is lost on restart")
		return ms, func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	return store.NewPostgresStore(pool), pool.Close, nil
}

func bootstrapAdminKey(ctx context.Context, s store.Store) error {
	project, err := s.GetDefaultProject(ctx)
	if err != nil {
		return fmt.Errorf("load default project: %w", err)
	}
	raw, key, err := apikey.Generate(project.ID, "bootstrap",
		[]string{apikey.ScopeRead, apikey.ScopeWrite, apikey.ScopeAdmin}, 0)
	if err != nil {
		return fmt.Errorf("generate bootstrap key: %w", err)
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("store bootstrap key: %w", err)
	}
	slog.Warn("bootstrap admin key created", "key", raw, "project_id", project.ID)
	return nil
}

// openCache connects to Redis, or falls back to a process-local cache when no
// Redis URL is configured.
func openCache(ctx context.Context, cfg *config.Config) (cache.Cache, func(), error) {
	if cfg.Redis.URL == "" {
		slog.Warn("REDIS_URL not set; using in-process cache")
		return cache.NewMemoryCache(), func() {}, nil
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := redisCache.Ping(ctx); err != nil {
		redisCache.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	return redisCache, func() { redisCache.Close() }, nil
}

// healthHandler checks database, cache and processing service connectivity.
func healthHandler(s store.Store, c cache.Cache, p colmap.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		var dbErr, cacheErr, colmapErr error
		var g errgroup.Group
		g.Go(func() error { dbErr = s.Ping(ctx); return nil })
		g.Go(func() error { cacheErr = c.Ping(ctx); return nil })
		g.Go(func() error { colmapErr = p.Health(ctx); return nil })
		_ = g.Wait()

		checks := map[string]string{
			"database": checkStatus(dbErr),
			"cache":    checkStatus(cacheErr),
			"colmap":   checkStatus(colmapErr),
		}

		if dbErr != nil || cacheErr != nil || colmapErr != nil {
			slog.Warn("health check degraded", "database", dbErr, "cache", cacheErr, "colmap", colmapErr)
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}

func checkStatus(err error) string {
	if err != nil {
		return "degraded"
	}
	return "ok"
}
