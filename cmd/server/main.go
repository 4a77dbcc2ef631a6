// Package main is the entry point for the gateway server binary. It dispatches
// two subcommands — serve and version — via a simple switch on os.Args so the
// binary's full CLI surface is readable in one place without requiring a cobra
// dependency.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/keygate/keygate/internal/api"
	"github.com/keygate/keygate/internal/apikey"
	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/proxy"
	"github.com/keygate/keygate/internal/ratelimit"
	"github.com/keygate/keygate/internal/telemetry"
	"github.com/keygate/keygate/internal/usage"
)

const (
	version = "0.1.0"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	// Parse command from args
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Execute command
	switch command {
	case "serve":
		return serve(cfg)
	case "version":
		fmt.Printf("KeyGate v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, version", command)
	}
}

func serve(cfg *config.Config) error {
	// Initialise structured logger as early as possible so all subsequent log output
	// uses the configured format (json / text) and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	// Set Gin mode
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// One Redis client shared by the rate limiter, the IP throttle, and the
	// usage event stream. Connection problems surface per-operation, never at
	// startup: auth fails closed and the limiter fails open by design, so the
	// gateway boots even when Redis is down.
	var rdb redis.UniversalClient
	if cfg.NeedsRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
			PoolSize:    cfg.Redis.PoolSize,
		})
		defer rdb.Close()
		slog.Info("redis client configured", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
	}

	// Metadata cache and validation client (fail-closed path).
	cache := apikey.NewCache(cfg.Cache.TTL, cfg.Cache.CleanupInterval)
	defer cache.Stop()

	validator := apikey.NewHTTPClient(cfg.KeyService.BaseURL, cfg.KeyService.ValidateTimeout)
	keys := apikey.NewService(validator, cache, cfg.RateLimiting.DefaultLimitPerMinute)
	slog.Info("key validation client configured",
		"base_url", cfg.KeyService.BaseURL, "cache_ttl", cfg.Cache.TTL)

	// Rate limit counter store (fail-open path). A nil limiter disables
	// quota enforcement entirely.
	var limiter *ratelimit.Limiter
	if cfg.RateLimiting.Enabled {
		var store ratelimit.Store
		if cfg.RateLimiting.Store == "redis" {
			store = ratelimit.NewRedisStore(rdb)
		} else {
			memStore := ratelimit.NewMemoryStore()
			defer memStore.Stop()
			store = memStore
			slog.Warn("using in-memory rate limit store; quota is per-instance only")
		}
		limiter = ratelimit.NewLimiter(store, ratelimit.Config{
			CheckTimeout:          cfg.RateLimiting.CheckTimeout,
			HourlyLimitMultiplier: cfg.RateLimiting.HourlyLimitMultiplier,
			DailyLimitMultiplier:  cfg.RateLimiting.DailyLimitMultiplier,
		})
	} else {
		slog.Warn("per-customer rate limiting disabled")
	}

	// Usage event publishing (fire-and-forget).
	var recorder usage.Recorder = usage.NopRecorder{}
	if cfg.Usage.Enabled {
		recorder = usage.NewStreamRecorder(rdb, usage.StreamConfig{
			Stream:           cfg.Usage.Stream,
			DeadLetterStream: cfg.Usage.DeadLetterStream,
			BufferSize:       cfg.Usage.BufferSize,
			MaxLen:           cfg.Usage.MaxStreamLength,
			PublishTimeout:   cfg.Usage.PublishTimeout,
		})
		slog.Info("usage event publishing enabled", "stream", cfg.Usage.Stream)
	}

	// Upstream forwarder.
	forwarder, err := proxy.NewForwarder(cfg.Upstream.URL, cfg.Upstream.Timeout)
	if err != nil {
		return fmt.Errorf("failed to configure upstream proxy: %w", err)
	}

	var ipLimiter *redis_rate.Limiter
	if cfg.IPThrottle.Enabled {
		ipLimiter = redis_rate.NewLimiter(rdb)
	}

	// Start Prometheus metrics endpoint on a dedicated port so it is not reachable
	// through the public ingress path.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	// Create router
	router := api.NewRouter(api.Deps{
		Config:    cfg,
		Keys:      keys,
		Limiter:   limiter,
		Recorder:  recorder,
		Forwarder: forwarder,
		IPLimiter: ipLimiter,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		slog.Info("starting gateway",
			"addr", cfg.Server.GetAddress(),
			"upstream", cfg.Upstream.URL,
			"rate_limit_store", cfg.RateLimiting.Store)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down gateway")

	// Graceful shutdown: stop accepting requests first, then drain the usage
	// event queue so events for already-answered requests are not lost.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	if err := recorder.Close(ctx); err != nil {
		slog.Warn("usage recorder did not drain before deadline", "error", err)
	}

	slog.Info("gateway stopped gracefully")
	return nil
}
