// Package app assembles repositories, stores, the engine and the HTTP router.
package app

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/attaboy/shareguard/internal/audit"
	"github.com/attaboy/shareguard/internal/auth"
	"github.com/attaboy/shareguard/internal/block"
	"github.com/attaboy/shareguard/internal/enforcement"
	"github.com/attaboy/shareguard/internal/fingerprint"
	"github.com/attaboy/shareguard/internal/geo"
	"github.com/attaboy/shareguard/internal/guard"
	"github.com/attaboy/shareguard/internal/handler"
	adminhandler "github.com/attaboy/shareguard/internal/handler/admin"
	"github.com/attaboy/shareguard/internal/metrics"
	"github.com/attaboy/shareguard/internal/repository"
	"github.com/attaboy/shareguard/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Repositories is the full repository set.
type Repositories struct {
	Accounts repository.AccountRepository
	Devices  repository.DeviceRepository
	Sessions repository.SessionRepository
	Blocks   repository.BlockRepository
	Audit    repository.AuditRepository
	Outbox   repository.OutboxRepository
}

// PostgresRepositories returns the pgx-backed repositories.
func PostgresRepositories() Repositories {
	return Repositories{
		Accounts: repository.NewAccountRepository(),
		Devices:  repository.NewDeviceRepository(),
		Sessions: repository.NewSessionRepository(),
		Blocks:   repository.NewBlockRepository(),
		Audit:    repository.NewAuditRepository(),
		Outbox:   repository.NewOutboxRepository(),
	}
}

// ServiceDeps holds everything NewServices needs besides the repositories.
type ServiceDeps struct {
	Tx      repository.TxManager
	Geo     geo.Resolver
	Zone    *time.Location // fallback zone for local-hour checks
	Engine  enforcement.Config
	Circuit *guard.CircuitBreaker
	Logger  *slog.Logger
}

// Services are the stores and engine shared by the API and the reconciler.
type Services struct {
	Tx       repository.TxManager
	Repos    Repositories
	Audit    *audit.Logger
	Devices  *fingerprint.Store
	Sessions *session.Store
	Blocks   *block.Store
	Engine   *enforcement.Engine
}

// NewServices wires the stores and the enforcement engine.
func NewServices(deps ServiceDeps, repos Repositories) (*Services, error) {
	resolver := deps.Geo
	if resolver == nil {
		resolver = geo.Noop{}
	}
	logger := deps.Logger
	recorder := audit.NewLogger(deps.Tx.Conn(), repos.Audit, logger)

	devices := fingerprint.NewStore(deps.Tx, repos.Accounts, repos.Devices, repos.Sessions, repos.Outbox, resolver, logger)
	sessions := session.NewStore(deps.Tx, repos.Accounts, repos.Sessions, repos.Outbox, resolver, deps.Zone, logger)
	blocks := block.NewStore(deps.Tx, repos.Accounts, repos.Devices, repos.Sessions, repos.Blocks, repos.Outbox, recorder, logger)

	engine, err := enforcement.NewEngine(enforcement.Deps{
		Tx:       deps.Tx,
		Accounts: repos.Accounts,
		Devices:  devices,
		Sessions: sessions,
		Blocks:   blocks,
		Audit:    recorder,
		Circuit:  deps.Circuit,
		Logger:   logger,
	}, deps.Engine)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	return &Services{
		Tx:       deps.Tx,
		Repos:    repos,
		Audit:    recorder,
		Devices:  devices,
		Sessions: sessions,
		Blocks:   blocks,
		Engine:   engine,
	}, nil
}

// RouterDeps holds all dependencies needed by NewRouter.
type RouterDeps struct {
	Services    *Services
	DB          handler.Pinger
	JWTMgr      *auth.JWTManager
	Logger      *slog.Logger
	IPLimit     int // validations per IP per RateWindow, 0 disables
	RateWindow  time.Duration
	UserLimiter *guard.RateLimiter
}

// NewRouter assembles the chi.Router with all routes and middleware.
func NewRouter(deps RouterDeps) chi.Router {
	svc := deps.Services
	jwtMgr := deps.JWTMgr
	logger := deps.Logger

	// Handlers
	sessionHandler := handler.NewSessionHandler(svc.Engine, svc.Sessions, deps.UserLimiter, logger)
	blockHandler := handler.NewBlockHandler(svc.Blocks)

	// Admin handlers
	blockAdmin := adminhandler.NewBlockAdminHandler(svc.Blocks)
	deviceAdmin := adminhandler.NewDeviceAdminHandler(svc.Devices, svc.Audit)
	sessionAdmin := adminhandler.NewSessionAdminHandler(svc.Sessions)
	auditAdmin := adminhandler.NewAuditAdminHandler(svc.Tx.Conn(), svc.Repos.Audit)

	r := chi.NewRouter()

	// Global middleware (order matters)
	r.Use(handler.Recovery(logger))
	r.Use(handler.RequestID)
	r.Use(handler.RequestLogger(logger))

	// Unauthenticated
	r.Get("/health", handler.HealthHandler(deps.DB))
	r.Handle("/metrics", promhttp.Handler())

	// Login backends
	r.Route("/v1", func(r chi.Router) {
		r.Use(handler.JSONContentType)
		r.Use(auth.AuthenticateService(jwtMgr))

		r.Route("/sessions", func(r chi.Router) {
			r.With(ipLimit(deps.IPLimit, deps.RateWindow)).Post("/validate", sessionHandler.Validate)
			r.Post("/{token}/activity", sessionHandler.RecordActivity)
			r.Post("/{token}/logout", sessionHandler.Logout)
		})

		r.Route("/users/{id}/block", func(r chi.Router) {
			r.Get("/", blockHandler.GetStatus)
			r.Post("/appeal", blockHandler.Appeal)
		})
	})

	// Trust-and-safety staff
	r.Route("/admin", func(r chi.Router) {
		r.Use(handler.JSONContentType)
		r.Use(auth.AuthenticateAdmin(jwtMgr))

		r.Route("/blocks", func(r chi.Router) {
			r.Get("/", blockAdmin.ListBlocks)
			r.Get("/{id}", blockAdmin.GetBlock)
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.WriteRoles()...))
				r.Post("/{id}/review", blockAdmin.ReviewAppeal)
				r.Post("/{id}/unblock", blockAdmin.Unblock)
				r.Post("/{id}/extend", blockAdmin.Extend)
			})
		})

		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/devices", deviceAdmin.ListUserDevices)
			r.Get("/sessions", sessionAdmin.ListUserSessions)
			r.With(auth.RequireRole(auth.WriteRoles()...)).Post("/sessions/logout", sessionAdmin.ForceLogout)
		})

		r.With(auth.RequireRole(auth.WriteRoles()...)).Post("/devices/{id}/verify", deviceAdmin.VerifyDevice)
		r.Get("/audit", auditAdmin.ListAudit)
	})

	return r
}

// ipLimit caps validations per client IP.
func ipLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	if limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(limit, window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.RateLimited.WithLabelValues("ip").Inc()
			handler.RespondJSON(w, http.StatusTooManyRequests, map[string]string{
				"code":    "RATE_LIMITED",
				"message": "too many validations from this address",
			})
		}),
	)
}
