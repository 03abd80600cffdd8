// Package enforcement decides, per login, whether an account is being shared
// and applies the outcome.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/attaboy/shareguard/internal/audit"
	"github.com/attaboy/shareguard/internal/block"
	"github.com/attaboy/shareguard/internal/domain"
	"github.com/attaboy/shareguard/internal/fingerprint"
	"github.com/attaboy/shareguard/internal/guard"
	"github.com/attaboy/shareguard/internal/metrics"
	"github.com/attaboy/shareguard/internal/policy"
	"github.com/attaboy/shareguard/internal/repository"
	"github.com/attaboy/shareguard/internal/session"
	"github.com/google/uuid"
)

const (
	circuitKey     = "engine"
	defaultTimeout = 2 * time.Second
)

// DeviceStore is the part of fingerprint.Store the engine uses.
type DeviceStore interface {
	RegisterOrTouch(ctx context.Context, in fingerprint.RegisterInput) (*fingerprint.Registration, error)
	Suspicion(ctx context.Context, device *domain.DeviceFingerprint) (domain.Suspicion, error)
	RecordSuspicious(ctx context.Context, deviceID uuid.UUID, reasons []string) error
}

// SessionStore is the part of session.Store the engine uses.
type SessionStore interface {
	Admit(ctx context.Context, ns session.NewSession) (*session.Admission, error)
	SuspicionFromPeers(peers []domain.UserSession, sess *domain.UserSession) domain.Suspicion
	MarkFlags(ctx context.Context, sessionToken string, flags domain.SessionFlags) error
}

// BlockStore is the part of block.Store the engine uses.
type BlockStore interface {
	Current(ctx context.Context, userID uuid.UUID) (*domain.AccountBlock, error)
	Expire(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	CountForUser(ctx context.Context, userID uuid.UUID) (int, error)
	Create(ctx context.Context, nb block.NewBlock) (*domain.AccountBlock, bool, error)
}

// Config tunes scoring and the fail-open deadline.
type Config struct {
	Weights    policy.Weights
	Thresholds policy.Thresholds
	Timeout    time.Duration
}

// DefaultConfig returns the production weights, thresholds and a 2s timeout.
func DefaultConfig() Config {
	return Config{
		Weights:    policy.DefaultWeights(),
		Thresholds: policy.DefaultThresholds(),
		Timeout:    defaultTimeout,
	}
}

// Deps are the engine's collaborators. Behavior and Circuit default when nil.
type Deps struct {
	Tx       repository.TxManager
	Accounts repository.AccountRepository
	Devices  DeviceStore
	Sessions SessionStore
	Blocks   BlockStore
	Behavior policy.BehaviorScorer
	Audit    audit.Recorder
	Circuit  *guard.CircuitBreaker
	Logger   *slog.Logger
}

// Result is the outcome of one validation.
type Result struct {
	Allowed          bool                      `json:"allowed"`
	SharingScore     int                       `json:"sharing_score"`
	ScoreBreakdown   domain.ScoreBreakdown     `json:"score_breakdown"`
	Device           *domain.DeviceFingerprint `json:"device,omitempty"`
	NewDevice        bool                      `json:"new_device"`
	Session          *domain.UserSession       `json:"session,omitempty"`
	Action           policy.Action             `json:"action"`
	Reason           string                    `json:"reason,omitempty"`
	Reasons          []string                  `json:"reasons,omitempty"`
	Block            *domain.AccountBlock      `json:"block,omitempty"`
	RemainingSeconds *int64                    `json:"remaining_seconds,omitempty"`
	Restrictions     *policy.Restrictions      `json:"restrictions,omitempty"`
	Fallback         bool                      `json:"fallback,omitempty"`
	Error            string                    `json:"error,omitempty"`
}

// Engine runs the validation pipeline.
type Engine struct {
	tx       repository.TxManager
	accounts repository.AccountRepository
	devices  DeviceStore
	sessions SessionStore
	blocks   BlockStore
	behavior policy.BehaviorScorer
	audit    audit.Recorder
	circuit  *guard.CircuitBreaker
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine validates cfg and wires the engine.
func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	e := &Engine{
		tx:       deps.Tx,
		accounts: deps.Accounts,
		devices:  deps.Devices,
		sessions: deps.Sessions,
		blocks:   deps.Blocks,
		behavior: deps.Behavior,
		audit:    deps.Audit,
		circuit:  deps.Circuit,
		cfg:      cfg,
		logger:   deps.Logger,
		now:      time.Now,
	}
	if e.behavior == nil {
		e.behavior = policy.AccountAgeBehavior{Now: func() time.Time { return e.now() }}
	}
	if e.circuit == nil {
		e.circuit = guard.NewCircuitBreaker(5, 30*time.Second)
	}
	return e, nil
}

// WithClock replaces the engine's time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// ValidateUserSession scores a login and enforces the decision.
//
// Input and account errors are returned to the caller. Other failures and
// timeouts, including an open circuit, yield an allowing fallback Result.
//
// Steps:
//  1. Validate input and derive the fingerprint hash when only signals were sent
//  2. Load the account
//  3. Short-circuit on an enforcing block, lifting it first if it has expired
//  4. Register the device, then admit the session; a failed device
//     suspicion lookup scores 0 rather than failing the request
//  5. Score and decide; BLOCK_USER creates the block and its side effects
//  6. Record session flags and device counters (best effort)
func (e *Engine) ValidateUserSession(ctx context.Context, userID uuid.UUID, data domain.SessionData) (*Result, error) {
	started := time.Now()

	if err := data.Validate(); err != nil {
		return nil, err
	}
	if data.FingerprintHash == "" {
		data.FingerprintHash = fingerprint.Derive(data.DeviceInfo)
		if data.FingerprintHash == "" {
			return nil, domain.ErrValidation("device_info carries no recognised device signals")
		}
	}

	if g := e.circuit.Check(ctx, circuitKey); !g.Allowed {
		return e.failOpen(ctx, userID, "circuit_open", errors.New(g.Reason)), nil
	}

	vctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	res, err := e.validate(vctx, userID, data)
	if err != nil {
		if callerError(err) {
			e.circuit.RecordSuccess(circuitKey)
			return nil, err
		}
		e.circuit.RecordFailure(circuitKey)
		cause := "error"
		if vctx.Err() != nil {
			cause = "timeout"
		}
		return e.failOpen(ctx, userID, cause, err), nil
	}
	e.circuit.RecordSuccess(circuitKey)
	metrics.ObserveValidation(string(res.Action), res.SharingScore, started)
	return res, nil
}

func (e *Engine) validate(ctx context.Context, userID uuid.UUID, data domain.SessionData) (*Result, error) {
	account, err := e.accounts.FindByID(ctx, e.tx.Conn(), userID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if account == nil {
		return nil, domain.ErrNotFound("account", userID.String())
	}

	now := e.now().UTC()
	current, err := e.blocks.Current(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load block: %w", err)
	}
	if current != nil {
		if !current.Expired(now) {
			return blockedResult(current, now, policy.ActionBlocked), nil
		}
		if _, err := e.blocks.Expire(ctx, current.ID, now); err != nil {
			return nil, fmt.Errorf("expire block: %w", err)
		}
	}

	reg, err := e.devices.RegisterOrTouch(ctx, fingerprint.RegisterInput{
		UserID:          userID,
		Username:        account.Username,
		FingerprintHash: data.FingerprintHash,
		DeviceInfo:      data.DeviceInfo,
		IPAddress:       data.IPAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	deviceSuspicion, err := e.devices.Suspicion(ctx, reg.Device)
	if err != nil {
		e.logger.Warn("device suspicion unavailable, scoring 0", "device_id", reg.Device.ID, "error", err)
		e.audit.Record(ctx, domain.AuditSignalDegraded, "device suspicion unavailable, scored as 0", map[string]any{
			"user_id":   userID.String(),
			"device_id": reg.Device.ID.String(),
			"error":     err.Error(),
		})
		deviceSuspicion = domain.Suspicion{}
	}

	adm, err := e.sessions.Admit(ctx, session.NewSession{
		UserID:       userID,
		Username:     account.Username,
		SessionToken: data.SessionToken,
		DeviceID:     &reg.Device.ID,
		IPAddress:    data.IPAddress,
		UserAgent:    data.UserAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("admit session: %w", err)
	}
	sessionSuspicion := e.sessions.SuspicionFromPeers(adm.Peers, adm.Session)

	behavior, err := e.behavior.BehaviorScore(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("behavior score: %w", err)
	}

	score := policy.Score(
		policy.DeviceCheck{
			Suspicion:     deviceSuspicion,
			ActiveDevices: reg.ActiveBefore,
			Limit:         reg.Limit,
			IsNewDevice:   reg.IsNewDevice,
		},
		policy.SessionCheck{
			Suspicion:          sessionSuspicion,
			ConcurrentSessions: adm.Before.Current,
			Limit:              adm.Before.Limit,
		},
		behavior, e.cfg.Weights,
	)
	action := policy.Decide(score.Total, e.cfg.Thresholds)

	res := &Result{
		Allowed:        true,
		SharingScore:   score.Total,
		ScoreBreakdown: score.Breakdown,
		Device:         reg.Device,
		NewDevice:      reg.IsNewDevice,
		Session:        adm.Session,
		Action:         action,
		Reasons:        score.Reasons,
		Restrictions:   policy.RestrictionsFor(action),
	}
	if action != policy.ActionAllow {
		res.Reason = fmt.Sprintf("sharing score %d", score.Total)
	}

	if action == policy.ActionBlock {
		if err := e.enforceBlock(ctx, account, reg, adm, score, res); err != nil {
			return nil, err
		}
	}

	e.recordSignals(ctx, reg, adm, score, action)
	return res, nil
}

func (e *Engine) enforceBlock(ctx context.Context, account *domain.Account, reg *fingerprint.Registration, adm *session.Admission, score policy.Composite, res *Result) error {
	prior, err := e.blocks.CountForUser(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("count prior blocks: %w", err)
	}
	b, created, err := e.blocks.Create(ctx, block.NewBlock{
		UserID:    account.ID,
		Username:  account.Username,
		Type:      domain.BlockTemporary,
		Reason:    domain.ReasonAccountSharing,
		Level:     domain.LevelFull,
		Score:     score.Total,
		Breakdown: score.Breakdown,
		Duration:  policy.BlockDuration(score.Total, prior),
		Evidence:  evidence(reg, adm, score),
		DeviceID:  &reg.Device.ID,
		Notes:     strings.Join(score.Reasons, ","),
	})
	if err != nil {
		return fmt.Errorf("create block: %w", err)
	}

	now := e.now().UTC()
	blocked := blockedResult(b, now, policy.ActionBlock)
	if !created {
		blocked.Action = policy.ActionBlocked
	}
	res.Allowed = false
	res.Action = blocked.Action
	res.Block = b
	res.RemainingSeconds = blocked.RemainingSeconds
	res.Reason = fmt.Sprintf("sharing score %d: %s", score.Total, blocked.Reason)
	res.Restrictions = nil
	return nil
}

func evidence(reg *fingerprint.Registration, adm *session.Admission, score policy.Composite) domain.Evidence {
	seen := map[string]struct{}{}
	var ips []string
	add := func(ip string) {
		if _, ok := seen[ip]; ok || ip == "" {
			return
		}
		seen[ip] = struct{}{}
		ips = append(ips, ip)
	}
	add(adm.Session.IPAddress)
	for _, p := range adm.Peers {
		add(p.IPAddress)
	}
	return domain.Evidence{
		ConcurrentSessions: adm.Before.Current,
		DeviceCount:        reg.ActiveBefore,
		LocationChanges:    max(0, len(ips)-1),
		IPAddresses:        ips,
		Patterns:           score.Reasons,
	}
}

func blockedResult(b *domain.AccountBlock, now time.Time, action policy.Action) *Result {
	res := &Result{
		Allowed:        false,
		SharingScore:   b.SharingScore,
		ScoreBreakdown: b.ScoreBreakdown,
		Action:         action,
		Block:          b,
	}
	if b.BlockedUntil == nil {
		res.Reason = "account is permanently blocked"
		return res
	}
	secs := int64(b.Remaining(now).Seconds())
	res.RemainingSeconds = &secs
	res.Reason = fmt.Sprintf("account is blocked until %s", b.BlockedUntil.UTC().Format(time.RFC3339))
	return res
}

// recordSignals persists what the scorer saw. Failures are logged only.
func (e *Engine) recordSignals(ctx context.Context, reg *fingerprint.Registration, adm *session.Admission, score policy.Composite, action policy.Action) {
	if len(score.Reasons) > 0 || adm.Before.Exceeded {
		flags := session.FlagsFromReasons(score.Reasons, adm.Before.Exceeded)
		if err := e.sessions.MarkFlags(ctx, adm.Session.SessionToken, flags); err != nil {
			e.logger.Warn("mark session flags failed", "session_id", adm.Session.ID, "error", err)
		}
	}
	if len(score.Reasons) > 0 {
		if err := e.devices.RecordSuspicious(ctx, reg.Device.ID, score.Reasons); err != nil {
			e.logger.Warn("record device suspicion failed", "device_id", reg.Device.ID, "error", err)
		}
	}

	switch action {
	case policy.ActionAllow:
		return
	case policy.ActionMonitor:
		e.logger.Info("sharing suspected", "user_id", adm.Session.UserID, "score", score.Total, "reasons", score.Reasons)
	default:
		e.logger.Warn("sharing likely", "user_id", adm.Session.UserID, "score", score.Total, "action", action, "reasons", score.Reasons)
	}
	e.audit.Record(ctx, domain.AuditSharingSignal, "account sharing suspected", map[string]any{
		"user_id":   adm.Session.UserID.String(),
		"device_id": reg.Device.ID.String(),
		"score":     score.Total,
		"action":    action,
		"reasons":   score.Reasons,
	})
}

func (e *Engine) failOpen(ctx context.Context, userID uuid.UUID, cause string, err error) *Result {
	metrics.FailOpenTotal.WithLabelValues(cause).Inc()
	e.logger.Error("sharing engine failed open", "user_id", userID, "cause", cause, "error", err)
	e.audit.Record(ctx, domain.AuditEngineFailure, "sharing engine failed, request allowed", map[string]any{
		"user_id": userID.String(),
		"cause":   cause,
		"error":   err.Error(),
	})
	return &Result{
		Allowed:  true,
		Action:   policy.ActionAllow,
		Fallback: true,
		Error:    err.Error(),
	}
}

// callerError reports errors caused by the request rather than the engine.
func callerError(err error) bool {
	var appErr *domain.AppError
	return errors.As(err, &appErr) && appErr.Status < 500
}
