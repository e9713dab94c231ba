package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ErlanBelekov/media-harvester/config"
	"github.com/ErlanBelekov/media-harvester/internal/downloader"
	"github.com/ErlanBelekov/media-harvester/internal/health"
	ctxlog "github.com/ErlanBelekov/media-harvester/internal/log"
	"github.com/ErlanBelekov/media-harvester/internal/metrics"
	"github.com/ErlanBelekov/media-harvester/internal/processing"
	"github.com/ErlanBelekov/media-harvester/internal/retry"
	"github.com/ErlanBelekov/media-harvester/internal/worker"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = defaultWorkerID()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()
	checker := health.NewChecker(map[string]health.Pinger{}, logger, prometheus.DefaultRegisterer)

	client := worker.NewClient(cfg.MasterURL, workerID, []byte(cfg.JWTSecret), cfg.RequestTimeout)
	w := worker.New(
		workerID,
		client,
		downloader.New(logger, downloader.WithRateWindow(cfg.RateWindow)),
		processing.NewPipeline(logger),
		worker.Config{
			Slots:                      cfg.WorkerCount,
			PollInterval:               cfg.PollInterval,
			MinDistanceBetweenRequests: cfg.MinDistanceBetweenRequests,
			Report: retry.Policy{
				MaxAttempts: cfg.ReportAttempts,
				Backoff:     retry.Exponential(time.Second, 30*time.Second),
			},
		},
		logger,
	)

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	// blocks until every in-flight task has wound down
	w.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	logger.Info("worker shut down")
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
