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

	"github.com/attaboy/shareguard/internal/app"
	"github.com/attaboy/shareguard/internal/infra"
	"github.com/attaboy/shareguard/internal/reconciler"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("reconciler failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := infra.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	svc := rt.Services

	producer := infra.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEnabled, logger)
	defer producer.Close()

	schedules := []reconciler.Schedule{
		{
			Job:      reconciler.NewExpirySweep(svc.Blocks, cfg.ExpiryBatchSize, cfg.ExpiryWorkers, logger),
			Interval: cfg.ExpiryInterval,
		},
		{
			Job:      reconciler.NewSessionCleanup(svc.Sessions, cfg.SessionRetention, cfg.SessionTTL, logger),
			Interval: cfg.SessionCleanupInterval,
		},
	}
	if cfg.KafkaEnabled {
		relay := infra.NewOutboxRelay(rt.Pool, svc.Repos.Outbox, producer, infra.RelayConfig{
			BatchSize:   cfg.OutboxBatchSize,
			OpenTimeout: cfg.OutboxBreakerTimeout,
		}, logger)
		schedules = append(schedules, reconciler.Schedule{Job: relay, Interval: cfg.OutboxInterval})
	} else {
		logger.Info("outbox relay disabled, events stay in event_outbox")
	}

	rec := reconciler.New(logger, nil, schedules...)

	// Catch up before the first tick.
	if err := rec.RunOnce(ctx); err != nil {
		logger.Error("initial reconciliation failed", "error", err)
	}
	if err := rec.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server starting", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	if err := rec.Stop(); err != nil {
		return err
	}
	logger.Info("reconciler stopped")
	return nil
}
