// Package main is the entry point for the hashintel API server.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/grapnel-io/hashintel/internal/api"
	"github.com/grapnel-io/hashintel/internal/audit"
	"github.com/grapnel-io/hashintel/internal/cache"
	"github.com/grapnel-io/hashintel/internal/config"
	"github.com/grapnel-io/hashintel/internal/hash"
	"github.com/grapnel-io/hashintel/internal/health"
	"github.com/grapnel-io/hashintel/internal/match"
	"github.com/grapnel-io/hashintel/internal/middleware"
	"github.com/grapnel-io/hashintel/internal/notify"
	"github.com/grapnel-io/hashintel/internal/ratelimit"
	"github.com/grapnel-io/hashintel/internal/service"
	"github.com/grapnel-io/hashintel/internal/tracing"
)

// metricsRegistrar is implemented by every per-package Metrics struct.
type metricsRegistrar interface {
	Register(prometheus.Registerer) error
}

// registerMetrics registers each component's collectors, stopping at the
// first failure.
func registerMetrics(reg prometheus.Registerer, registrars ...metricsRegistrar) error {
	for _, r := range registrars {
		if err := r.Register(reg); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	configFile := flag.String("config", "", "path to optional YAML config file")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("hashintel API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configFile)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	// Tracing
	tracingProvider, err := tracing.NewProvider(tracing.Config{
		ServiceName:  "hashintel-api",
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: cfg.TracingSamplingRate,
		InsecureMode: cfg.Env != "production",
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Metrics registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Storage backends
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory repositories")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("failed to parse REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	} else {
		logger.Warn("REDIS_URL not set, using in-memory cache and rate limiting")
	}

	// Repositories
	var (
		hashRepo  hash.Repository
		matchRepo match.Repository
		subRepo   notify.SubscriptionRepository
		queueRepo notify.QueueRepository
		auditRepo audit.Repository
	)
	if db != nil {
		hashRepo = hash.NewPostgresRepository(db, logger)
		matchRepo = match.NewPostgresRepository(db)
		subRepo = notify.NewPostgresSubscriptionRepository(db)
		queueRepo = notify.NewPostgresQueueRepository(db)
		auditRepo = audit.NewPostgresRepository(db)
	} else {
		hashRepo = hash.NewInMemoryRepository()
		matchRepo = match.NewInMemoryRepository()
		subRepo = notify.NewInMemorySubscriptionRepository()
		queueRepo = notify.NewInMemoryQueueRepository()
		auditRepo = audit.NewInMemoryRepository()
	}

	// Cache and rate limiter
	var cacheStore cache.Store
	var limiter ratelimit.Store
	if redisClient != nil {
		cacheStore = cache.NewRedisStore(redisClient, cfg.CacheTTL())
		limiter = ratelimit.NewRedisStore(redisClient)
	} else {
		cacheStore = cache.NewMemoryStore(cfg.CacheMemoryCapacity, cfg.CacheTTL())
		limiter = ratelimit.NewInMemoryStore()
	}

	// Per-package metrics
	cacheMetrics := cache.NewMetrics()
	matchMetrics := match.NewMetrics()
	notifyMetrics := notify.NewMetrics()
	httpMetrics := middleware.NewMetrics()
	auditor := audit.NewLogger(auditRepo, logger)
	if err := registerMetrics(registry, cacheMetrics, matchMetrics, notifyMetrics, httpMetrics, auditor); err != nil {
		logger.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	// Matching engine and service
	engine := match.NewEngine(hashRepo, matchRepo, subRepo, queueRepo, auditor, matchMetrics, logger, match.EngineConfig{
		SimilarityFloor: cfg.SimilarityFloor,
	})
	svc := service.New(hashRepo, cacheStore, cacheMetrics, engine, matchRepo, subRepo, queueRepo, limiter, auditor, logger, service.Config{
		RegisterLimit: ratelimit.Config{RequestsPerWindow: cfg.RegisterRateLimit, WindowDuration: time.Minute},
		LookupLimit:   ratelimit.Config{RequestsPerWindow: cfg.LookupRateLimit, WindowDuration: time.Minute},
		StatsTTL:      cfg.StatsTTL(),
	})

	// Notification dispatcher runs in-process alongside the API
	dispatcher := notify.NewDispatcher(queueRepo, subRepo, matchRepo, auditor, notifyMetrics, logger, notify.Config{
		Workers:         cfg.DispatcherWorkers,
		PollInterval:    cfg.DispatcherPollInterval(),
		MaxAttempts:     cfg.MaxDeliveryAttempts,
		DeliveryTimeout: cfg.DeliveryTimeout(),
	})
	dispatcherCtx, stopDispatcher := context.WithCancel(context.Background())
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(dispatcherCtx)
	}()

	// Handlers
	var healthCfg api.HealthHandlersConfig
	if db != nil {
		healthCfg.DBChecker = health.NewDBChecker(db)
	}
	if redisClient != nil {
		healthCfg.RedisChecker = health.NewRedisChecker(redisClient)
	}
	healthHandlers := api.NewHealthHandlers(healthCfg)
	statusHandlers := api.NewStatusHandlers(svc, auditRepo, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandlers.Health)
	mux.HandleFunc("/ready", healthHandlers.Ready)
	mux.HandleFunc("/status", statusHandlers.Status)
	mux.HandleFunc("/status/audit/", statusHandlers.Audit)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Apply middleware: RequestID -> Tracing -> HTTPMetrics -> Logging
	var handler http.Handler = mux
	handler = middleware.Logging(logger)(handler)
	handler = middleware.HTTPMetrics(httpMetrics)(handler)
	if cfg.TracingEnabled {
		handler = middleware.Tracing("hashintel-api")(handler)
	}
	handler = middleware.RequestID(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Stop the dispatcher and wait for in-flight deliveries
	stopDispatcher()
	select {
	case <-dispatcherDone:
	case <-ctx.Done():
		logger.Warn("dispatcher did not stop before shutdown deadline")
	}

	if err := tracingProvider.Shutdown(ctx); err != nil {
		logger.Error("failed to shut down tracing", "error", err)
	}

	logger.Info("server stopped")
}
