// Entry point for the VQM engine: loads configuration, opens storage, wires
// the engine, starts its background loops, and serves the admin HTTP
// interface until SIGINT/SIGTERM, grounded on cmd/chrc/main.go's
// signal.NotifyContext + graceful http.Server.Shutdown pattern.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hazyhaar/vqm/adminapi"
	"github.com/hazyhaar/vqm/config"
	"github.com/hazyhaar/vqm/engine"
	"github.com/hazyhaar/vqm/observability"
	"github.com/hazyhaar/vqm/ratelimit"
	"github.com/hazyhaar/vqm/storage"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	store, err := storage.Open(ctx, cfg.DBPath)
	if err != nil {
		slog.Error("open storage", "error", err)
		os.Exit(1)
	}

	metricsHistory := observability.NewMetricsManager(store.DB(), 500, cfg.MetricsInterval())
	defer metricsHistory.Close()

	limiter := ratelimit.NewTokenBucket(rateFromEnv(), int(rateFromEnv()), 10*time.Minute)

	eng := engine.New(cfg, store,
		engine.WithRateLimiter(limiter),
		engine.WithMetricsHistory(metricsHistory),
	)
	eng.Start(ctx)
	defer eng.Stop()

	api := adminapi.New(eng, cfg.Admin, adminapi.WithEndpointLimiter(limiter))

	srv := &http.Server{
		Addr:              cfg.Admin.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("admin api starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func loadConfig() (*config.EngineConfig, error) {
	if path := env("VQM_CONFIG", ""); path != "" {
		return config.LoadConfigFile(path)
	}
	cfg := config.Default()
	if addr := env("VQM_LISTEN_ADDR", ""); addr != "" {
		cfg.Admin.ListenAddr = addr
	}
	if db := env("VQM_DB_PATH", ""); db != "" {
		cfg.DBPath = db
	}
	return cfg, nil
}

// rateFromEnv reads the rate limit in requests per second. main builds one
// token bucket from it and hands it both to adminapi, which keys it per
// endpoint+IP, and to the engine's QueueManager, which keys it per queue on
// Enqueue. A Queue's own RateLimit config is not consulted.
func rateFromEnv() float64 {
	const defaultRPS = 50.0
	s := env("VQM_ADMIN_RATE_LIMIT_RPS", "")
	if s == "" {
		return defaultRPS
	}
	rps, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return defaultRPS
	}
	return rps
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
