// Package session admits login sessions under the per-plan concurrency limit
// and tracks their activity.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/attaboy/shareguard/internal/domain"
	"github.com/attaboy/shareguard/internal/geo"
	"github.com/attaboy/shareguard/internal/metrics"
	"github.com/attaboy/shareguard/internal/repository"
	"github.com/google/uuid"
)

const (
	simultaneousIPThreshold = 2
	simultaneousIPPoints    = 50
	unusualTimingPoints     = 15
	unusualHourFrom         = 2
	unusualHourTo           = 5

	rapidChangeWindow = time.Hour
	rapidChangeIPs    = 3
)

// NewSession describes a login to admit.
type NewSession struct {
	UserID       uuid.UUID
	Username     string
	SessionToken string
	DeviceID     *uuid.UUID
	IPAddress    string
	UserAgent    string
}

// Concurrency is a count of active sessions against the plan limit.
type Concurrency struct {
	Current  int  `json:"current"`
	Limit    int  `json:"limit"`
	Exceeded bool `json:"exceeded"` // Current > Limit
}

func newConcurrency(current, limit int) Concurrency {
	return Concurrency{Current: current, Limit: limit, Exceeded: current > limit}
}

// Admission is the outcome of Admit.
type Admission struct {
	Session *domain.UserSession `json:"session"`
	// Peers are the user's other active sessions as they were before eviction.
	Peers []domain.UserSession `json:"-"`
	// Before counts Peers plus the admitted session.
	Before  Concurrency `json:"before"`
	Evicted []uuid.UUID `json:"evicted,omitempty"`
	Reused  bool        `json:"reused"`
}

// Store is the session store.
type Store struct {
	tx          repository.TxManager
	accounts    repository.AccountRepository
	sessions    repository.SessionRepository
	outbox      repository.OutboxRepository
	geo         geo.Resolver
	logger      *slog.Logger
	defaultZone *time.Location
	now         func() time.Time
}

func NewStore(
	tx repository.TxManager,
	accounts repository.AccountRepository,
	sessions repository.SessionRepository,
	outbox repository.OutboxRepository,
	resolver geo.Resolver,
	defaultZone *time.Location,
	logger *slog.Logger,
) *Store {
	if defaultZone == nil {
		defaultZone = time.UTC
	}
	return &Store{
		tx:          tx,
		accounts:    accounts,
		sessions:    sessions,
		outbox:      outbox,
		geo:         resolver,
		logger:      logger,
		defaultZone: defaultZone,
		now:         time.Now,
	}
}

// WithClock replaces the store's time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// ConcurrencyCheck counts the user's active sessions against the plan limit.
func (s *Store) ConcurrencyCheck(ctx context.Context, userID uuid.UUID, sub domain.SubscriptionType) (Concurrency, error) {
	n, err := s.sessions.CountActive(ctx, s.tx.Conn(), userID)
	if err != nil {
		return Concurrency{}, fmt.Errorf("count active sessions: %w", err)
	}
	return newConcurrency(n, domain.SessionLimit(sub)), nil
}

// EvictOldest ends all but the keep most recently active sessions with
// reason device_limit and returns how many were ended.
func (s *Store) EvictOldest(ctx context.Context, userID uuid.UUID, keep int) (int, error) {
	var evicted []uuid.UUID
	err := s.tx.RunInTx(ctx, func(db repository.DBTX) error {
		active, err := s.sessions.ListActive(ctx, db, userID)
		if err != nil {
			return fmt.Errorf("list active sessions: %w", err)
		}
		evicted, err = s.evict(ctx, db, userID, active, keep)
		return err
	})
	if err != nil {
		return 0, err
	}
	return len(evicted), nil
}

// evict ends every session in active (newest first) past the first keep.
func (s *Store) evict(ctx context.Context, db repository.DBTX, userID uuid.UUID, active []domain.UserSession, keep int) ([]uuid.UUID, error) {
	keep = max(0, keep)
	if len(active) <= keep {
		return nil, nil
	}
	ids := make([]uuid.UUID, 0, len(active)-keep)
	for _, sess := range active[keep:] {
		ids = append(ids, sess.ID)
	}
	if _, err := s.sessions.Deactivate(ctx, db, ids, domain.LogoutDeviceLimit, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("evict sessions: %w", err)
	}
	if err := s.outbox.Insert(ctx, db, domain.NewSessionEvictedEvent(userID, ids, domain.LogoutDeviceLimit)); err != nil {
		return nil, fmt.Errorf("insert outbox event: %w", err)
	}
	metrics.SessionsEvicted.WithLabelValues(string(domain.LogoutDeviceLimit)).Add(float64(len(ids)))
	return ids, nil
}

// Create inserts an active session without applying the concurrency limit.
func (s *Store) Create(ctx context.Context, ns NewSession) (*domain.UserSession, error) {
	sess := s.build(ns)
	if err := s.sessions.Insert(ctx, s.tx.Conn(), sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) build(ns NewSession) *domain.UserSession {
	now := s.now().UTC()
	return &domain.UserSession{
		ID:           uuid.New(),
		SessionToken: ns.SessionToken,
		UserID:       ns.UserID,
		Username:     ns.Username,
		DeviceID:     ns.DeviceID,
		IPAddress:    ns.IPAddress,
		UserAgent:    ns.UserAgent,
		IsActive:     true,
		LoginAt:      now,
		LastActivity: now,
		Locations:    []domain.LocationEntry{{Timestamp: now, IP: ns.IPAddress, Geo: s.lookup(ns.IPAddress)}},
		UpdatedAt:    now,
	}
}

// Admit registers a login. Under the account lock it snapshots the user's
// other active sessions, evicts the oldest down to limit-1 when the new
// session would exceed the limit, then inserts. A token that is still active
// is refreshed instead of duplicated; a token that was already ended is rejected.
func (s *Store) Admit(ctx context.Context, ns NewSession) (*Admission, error) {
	if ns.SessionToken == "" {
		return nil, domain.ErrValidation("session token is required")
	}

	var adm *Admission
	err := s.tx.RunInTx(ctx, func(db repository.DBTX) error {
		account, err := s.accounts.LockForUpdate(ctx, db, ns.UserID)
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}
		if account == nil {
			return domain.ErrNotFound("account", ns.UserID.String())
		}
		limit := domain.SessionLimit(account.SubscriptionType)

		existing, err := s.sessions.FindByToken(ctx, db, ns.SessionToken)
		if err != nil {
			return fmt.Errorf("find session: %w", err)
		}
		if existing != nil && (!existing.IsActive || existing.UserID != ns.UserID) {
			return domain.ErrConflict("session token has already been used")
		}

		active, err := s.sessions.ListActive(ctx, db, ns.UserID)
		if err != nil {
			return fmt.Errorf("list active sessions: %w", err)
		}
		peers := slices.DeleteFunc(active, func(p domain.UserSession) bool {
			return p.SessionToken == ns.SessionToken
		})

		adm = &Admission{
			Peers:  slices.Clone(peers),
			Before: newConcurrency(len(peers)+1, limit),
		}
		if adm.Before.Exceeded {
			adm.Evicted, err = s.evict(ctx, db, ns.UserID, peers, limit-1)
			if err != nil {
				return err
			}
		}

		if existing != nil {
			existing.LastActivity = s.now().UTC()
			existing.UpdatedAt = existing.LastActivity
			s.noteIP(existing, ns.IPAddress)
			if err := s.sessions.Update(ctx, db, existing); err != nil {
				return fmt.Errorf("refresh session: %w", err)
			}
			adm.Session = existing
			adm.Reused = true
			return nil
		}

		sess := s.build(ns)
		if err := s.sessions.Insert(ctx, db, sess); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		adm.Session = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(adm.Evicted) > 0 {
		s.logger.Info("sessions evicted for limit",
			"user_id", ns.UserID, "count", len(adm.Evicted), "limit", adm.Before.Limit)
	}
	return adm, nil
}

// Suspicion scores a session against the user's other active sessions.
func (s *Store) Suspicion(ctx context.Context, userID uuid.UUID, sess *domain.UserSession) (domain.Suspicion, error) {
	peers, err := s.sessions.ListActive(ctx, s.tx.Conn(), userID)
	if err != nil {
		return domain.Suspicion{}, fmt.Errorf("list active sessions: %w", err)
	}
	return s.SuspicionFromPeers(peers, sess), nil
}

// SuspicionFromPeers applies the session heuristics: two or more distinct IPs
// among the other active sessions, and activity between 02:00 and 05:59 local time.
func (s *Store) SuspicionFromPeers(peers []domain.UserSession, sess *domain.UserSession) domain.Suspicion {
	var out domain.Suspicion

	ips := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		if p.ID == sess.ID || p.SessionToken == sess.SessionToken {
			continue
		}
		ips[p.IPAddress] = struct{}{}
	}
	if len(ips) >= simultaneousIPThreshold {
		out.Add(simultaneousIPPoints, domain.ReasonMultipleSimultaneousIPs)
	}

	at := sess.LastActivity
	if at.IsZero() {
		at = s.now()
	}
	if h := at.In(s.zoneFor(sess)).Hour(); h >= unusualHourFrom && h <= unusualHourTo {
		out.Add(unusualTimingPoints, domain.ReasonUnusualTiming)
	}
	return out
}

func (s *Store) zoneFor(sess *domain.UserSession) *time.Location {
	if tz := sess.Geo().TimeZone; tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return s.defaultZone
}

// PurgeStale deletes sessions whose last activity is older than olderThan.
// With inactiveOnly unset it also removes sessions still flagged active.
func (s *Store) PurgeStale(ctx context.Context, olderThan time.Duration, inactiveOnly bool) (int64, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	n, err := s.sessions.DeleteStale(ctx, s.tx.Conn(), cutoff, inactiveOnly)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Logout ends one session.
func (s *Store) Logout(ctx context.Context, token string, reason domain.LogoutReason) error {
	if !reason.Valid() {
		return domain.ErrValidation(fmt.Sprintf("unknown logout reason %q", reason))
	}
	sess, err := s.sessions.FindByToken(ctx, s.tx.Conn(), token)
	if err != nil {
		return fmt.Errorf("find session: %w", err)
	}
	if sess == nil {
		return domain.ErrNotFound("session", token)
	}
	_, err = s.sessions.Deactivate(ctx, s.tx.Conn(), []uuid.UUID{sess.ID}, reason, s.now().UTC())
	return err
}

// LogoutAll ends every active session of a user and returns their IDs.
func (s *Store) LogoutAll(ctx context.Context, userID uuid.UUID, reason domain.LogoutReason) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.tx.RunInTx(ctx, func(db repository.DBTX) error {
		var err error
		ids, err = s.sessions.DeactivateByUser(ctx, db, userID, reason, s.now().UTC())
		if err != nil || len(ids) == 0 {
			return err
		}
		return s.outbox.Insert(ctx, db, domain.NewSessionEvictedEvent(userID, ids, reason))
	})
	if err != nil {
		return nil, err
	}
	metrics.SessionsEvicted.WithLabelValues(string(reason)).Add(float64(len(ids)))
	return ids, nil
}

// ListActive returns the user's active sessions, most recent first.
func (s *Store) ListActive(ctx context.Context, userID uuid.UUID) ([]domain.UserSession, error) {
	return s.sessions.ListActive(ctx, s.tx.Conn(), userID)
}

// RecordActivity folds a usage report into a live session.
func (s *Store) RecordActivity(ctx context.Context, token string, act domain.SessionActivity) (*domain.UserSession, error) {
	if act.APICalls < 0 || act.ActiveSeconds < 0 || act.Errors < 0 {
		return nil, domain.ErrValidation("activity counters must be non-negative")
	}
	db := s.tx.Conn()
	sess, err := s.sessions.FindByToken(ctx, db, token)
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	if sess == nil {
		return nil, domain.ErrNotFound("session", token)
	}
	if !sess.IsActive {
		return nil, domain.ErrConflict("session is no longer active")
	}

	now := s.now().UTC()
	sess.Metrics.APICalls += act.APICalls
	sess.Metrics.ActiveSeconds += act.ActiveSeconds
	sess.Metrics.ErrorCount += act.Errors
	if act.Feature != "" && !slices.Contains(sess.Metrics.FeaturesUsed, act.Feature) {
		sess.Metrics.FeaturesUsed = append(sess.Metrics.FeaturesUsed, act.Feature)
	}
	sess.LastActivity = now
	sess.UpdatedAt = now
	if act.IPAddress != "" {
		s.noteIP(sess, act.IPAddress)
	}

	if err := s.sessions.Update(ctx, db, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// noteIP appends a location entry when the session's IP changes and raises
// RapidLocationChange when three or more IPs appear within an hour.
func (s *Store) noteIP(sess *domain.UserSession, ip string) {
	if ip == "" || ip == sess.IPAddress {
		return
	}
	now := s.now().UTC()
	sess.IPAddress = ip
	sess.Locations = append(sess.Locations, domain.LocationEntry{Timestamp: now, IP: ip, Geo: s.lookup(ip)})

	recent := make(map[string]struct{})
	for _, loc := range sess.Locations {
		if now.Sub(loc.Timestamp) <= rapidChangeWindow {
			recent[loc.IP] = struct{}{}
		}
	}
	if len(recent) >= rapidChangeIPs {
		sess.Flags.RapidLocationChange = true
	}
}

// MarkFlags ORs flags into a session's security flags.
func (s *Store) MarkFlags(ctx context.Context, sessionToken string, flags domain.SessionFlags) error {
	if flags == (domain.SessionFlags{}) {
		return nil
	}
	db := s.tx.Conn()
	sess, err := s.sessions.FindByToken(ctx, db, sessionToken)
	if err != nil {
		return fmt.Errorf("find session: %w", err)
	}
	if sess == nil {
		return domain.ErrNotFound("session", sessionToken)
	}
	sess.Flags.RapidLocationChange = sess.Flags.RapidLocationChange || flags.RapidLocationChange
	sess.Flags.SuspiciousTiming = sess.Flags.SuspiciousTiming || flags.SuspiciousTiming
	sess.Flags.UnusualBehavior = sess.Flags.UnusualBehavior || flags.UnusualBehavior
	sess.Flags.ConcurrentSessions = sess.Flags.ConcurrentSessions || flags.ConcurrentSessions
	sess.UpdatedAt = s.now().UTC()
	return s.sessions.Update(ctx, db, sess)
}

// FlagsFromReasons maps suspicion reasons to session security flags.
func FlagsFromReasons(reasons []string, concurrencyExceeded bool) domain.SessionFlags {
	f := domain.SessionFlags{ConcurrentSessions: concurrencyExceeded}
	for _, r := range reasons {
		switch r {
		case domain.ReasonRapidLocationChanges:
			f.RapidLocationChange = true
		case domain.ReasonUnusualTiming:
			f.SuspiciousTiming = true
		case domain.ReasonMultipleSimultaneousIPs:
			f.ConcurrentSessions = true
		case domain.ReasonHighSessionFrequency:
			f.UnusualBehavior = true
		}
	}
	return f
}

func (s *Store) lookup(ip string) domain.GeoInfo {
	info, err := s.geo.Lookup(ip)
	if err != nil {
		s.logger.Debug("geo lookup failed", "ip", ip, "error", err)
		return domain.GeoInfo{}
	}
	return info
}
