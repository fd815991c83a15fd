// Package main is the entry point for the standalone notification worker.
// It runs only the dispatcher, draining the shared notification queue; the
// API server and workers coordinate through the queue's claim semantics, so
// any number of worker processes may run concurrently.
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

	"github.com/grapnel-io/hashintel/internal/audit"
	"github.com/grapnel-io/hashintel/internal/config"
	"github.com/grapnel-io/hashintel/internal/match"
	"github.com/grapnel-io/hashintel/internal/middleware"
	"github.com/grapnel-io/hashintel/internal/notify"
	"github.com/grapnel-io/hashintel/internal/tracing"
)

func main() {
	configFile := flag.String("config", "", "path to optional YAML config file")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("hashintel Notification Worker")
		fmt.Println()
		fmt.Println("Usage: worker [options]")
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

	// The worker shares the queue through Postgres; it cannot run on
	// in-memory repositories.
	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required for the worker")
		os.Exit(1)
	}

	tracingProvider, err := tracing.NewProvider(tracing.Config{
		ServiceName:  "hashintel-worker",
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

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	queueRepo := notify.NewPostgresQueueRepository(db)
	subRepo := notify.NewPostgresSubscriptionRepository(db)
	matchRepo := match.NewPostgresRepository(db)
	auditRepo := audit.NewPostgresRepository(db)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	notifyMetrics := notify.NewMetrics()
	if err := notifyMetrics.Register(registry); err != nil {
		logger.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}
	auditor := audit.NewLogger(auditRepo, logger)
	if err := auditor.Register(registry); err != nil {
		logger.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	dispatcher := notify.NewDispatcher(queueRepo, subRepo, matchRepo, auditor, notifyMetrics, logger, notify.Config{
		Workers:         cfg.DispatcherWorkers,
		PollInterval:    cfg.DispatcherPollInterval(),
		MaxAttempts:     cfg.MaxDeliveryAttempts,
		DeliveryTimeout: cfg.DeliveryTimeout(),
	})

	// Metrics-only HTTP listener so Prometheus can scrape the worker
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"healthy"}`)); err != nil {
			slog.Error("failed to write health response", "error", err)
		}
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("starting metrics listener", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listener error", "error", err)
			os.Exit(1)
		}
	}()

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info("starting dispatcher",
			"workers", cfg.DispatcherWorkers,
			"poll_interval", cfg.DispatcherPollInterval().String())
		dispatcher.Run(runCtx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stop()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("dispatcher did not stop before shutdown deadline")
	}

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("metrics listener forced to shutdown", "error", err)
	}
	if err := tracingProvider.Shutdown(ctx); err != nil {
		logger.Error("failed to shut down tracing", "error", err)
	}

	logger.Info("worker stopped")
}
