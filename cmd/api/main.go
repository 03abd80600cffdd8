package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/attaboy/shareguard/internal/app"
	"github.com/attaboy/shareguard/internal/auth"
	"github.com/attaboy/shareguard/internal/guard"
	"github.com/attaboy/shareguard/internal/infra"
	"github.com/attaboy/shareguard/internal/reconciler"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server failed", "error", err)
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

	jwtMgr := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTServiceExpiry, cfg.JWTAdminExpiry)
	userLimiter := guard.NewRateLimiter(cfg.RateLimitPerUser, cfg.RateLimitWindow)

	// Idle limiter keys are dropped on the same cadence as the window.
	janitor := reconciler.New(logger, nil, reconciler.Schedule{
		Job: reconciler.NewFuncJob("rate_limit_sweep", func(context.Context) error {
			if n := userLimiter.Sweep(); n > 0 {
				logger.Debug("rate limiter swept", "keys", n)
			}
			return nil
		}),
		Interval: cfg.RateLimitWindow,
	})
	if err := janitor.Start(ctx); err != nil {
		return err
	}
	defer janitor.Stop()

	router := app.NewRouter(app.RouterDeps{
		Services:    rt.Services,
		DB:          rt.Pool,
		JWTMgr:      jwtMgr,
		Logger:      logger,
		IPLimit:     cfg.RateLimitPerIP,
		RateWindow:  cfg.RateLimitWindow,
		UserLimiter: userLimiter,
	})

	addr := fmt.Sprintf(":%d", cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
