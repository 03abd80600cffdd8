package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/attaboy/shareguard/internal/geo"
	"github.com/attaboy/shareguard/internal/guard"
	"github.com/attaboy/shareguard/internal/infra"
	"github.com/attaboy/shareguard/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Runtime is a connected service graph plus the resources to release on exit.
type Runtime struct {
	Pool     *pgxpool.Pool
	Services *Services
	closers  []func() error
}

// Open connects to Postgres, optionally migrates, opens the GeoIP database and
// wires the services.
func Open(ctx context.Context, cfg *infra.Config, logger *slog.Logger) (*Runtime, error) {
	zone, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := infra.RunMigrations(cfg.DSN(), logger); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	pool, err := infra.NewPostgresPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	rt := &Runtime{Pool: pool}
	logger.Info("connected to postgres")

	resolver, closeGeo, err := geo.New(cfg.GeoIPDBPath)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("open geoip: %w", err)
	}
	rt.closers = append(rt.closers, closeGeo)
	if cfg.GeoIPDBPath == "" {
		logger.Warn("GEOIP_DB_PATH not set, sessions carry no location")
	}

	svc, err := NewServices(ServiceDeps{
		Tx:      repository.NewTxManager(pool),
		Geo:     resolver,
		Zone:    zone,
		Engine:  cfg.Engine(),
		Circuit: guard.NewCircuitBreaker(cfg.CircuitFailureThreshold, cfg.CircuitResetTimeout),
		Logger:  logger,
	}, PostgresRepositories())
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Services = svc
	return rt, nil
}

// Close releases the GeoIP reader and the pool.
func (rt *Runtime) Close() {
	for _, c := range rt.closers {
		_ = c()
	}
	rt.Pool.Close()
}
