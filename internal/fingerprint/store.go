// Package fingerprint tracks the devices each account logs in from and keeps
// the number of active devices within the account's plan limit.
package fingerprint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/attaboy/shareguard/internal/domain"
	"github.com/attaboy/shareguard/internal/geo"
	"github.com/attaboy/shareguard/internal/metrics"
	"github.com/attaboy/shareguard/internal/repository"
	"github.com/google/uuid"
)

const (
	suspicionWindow        = 24 * time.Hour
	recentSessionSample    = 5
	rapidChangeDistinctIPs = 3
	highSessionCount       = 50

	rapidLocationPoints = 40
	highFrequencyPoints = 20
)

// RegisterInput is one device sighting.
type RegisterInput struct {
	UserID          uuid.UUID
	Username        string
	FingerprintHash string
	DeviceInfo      map[string]any
	IPAddress       string
}

// Registration is the outcome of RegisterOrTouch.
type Registration struct {
	Device      *domain.DeviceFingerprint `json:"device"`
	IsNewDevice bool                      `json:"is_new_device"`
	// ActiveBefore counts the user's active devices including this one, before
	// any were deactivated to make room.
	ActiveBefore int         `json:"active_before"`
	ActiveAfter  int         `json:"active_after"`
	Limit        int         `json:"limit"`
	Deactivated  []uuid.UUID `json:"deactivated,omitempty"`
}

// Store is the device fingerprint store.
type Store struct {
	tx       repository.TxManager
	accounts repository.AccountRepository
	devices  repository.DeviceRepository
	sessions repository.SessionRepository
	outbox   repository.OutboxRepository
	geo      geo.Resolver
	logger   *slog.Logger
	now      func() time.Time
}

func NewStore(
	tx repository.TxManager,
	accounts repository.AccountRepository,
	devices repository.DeviceRepository,
	sessions repository.SessionRepository,
	outbox repository.OutboxRepository,
	resolver geo.Resolver,
	logger *slog.Logger,
) *Store {
	return &Store{
		tx:       tx,
		accounts: accounts,
		devices:  devices,
		sessions: sessions,
		outbox:   outbox,
		geo:      resolver,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the store's time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// RegisterOrTouch records a sighting of (user, hash). A known active device is
// touched. An unknown one is inserted after deactivating the least recently
// seen devices needed to stay within the plan limit. Runs under the account lock.
func (s *Store) RegisterOrTouch(ctx context.Context, in RegisterInput) (*Registration, error) {
	if in.FingerprintHash == "" {
		return nil, domain.ErrValidation("fingerprint hash is required")
	}
	location := s.lookup(in.IPAddress)
	now := s.now().UTC()

	var reg *Registration
	err := s.tx.RunInTx(ctx, func(db repository.DBTX) error {
		account, err := s.accounts.LockForUpdate(ctx, db, in.UserID)
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}
		if account == nil {
			return domain.ErrNotFound("account", in.UserID.String())
		}
		limit := domain.DeviceLimit(account.SubscriptionType)

		active, err := s.devices.ListActive(ctx, db, in.UserID)
		if err != nil {
			return fmt.Errorf("list active devices: %w", err)
		}

		reg = &Registration{Limit: limit}
		var others []domain.DeviceFingerprint
		var current *domain.DeviceFingerprint
		for i := range active {
			if active[i].FingerprintHash == in.FingerprintHash {
				current = &active[i]
				continue
			}
			others = append(others, active[i])
		}

		if current != nil {
			reg.ActiveBefore = len(active)
		} else {
			reg.ActiveBefore = len(active) + 1
			reg.IsNewDevice = true
		}

		// Oldest first; the device being registered always keeps its slot.
		for i := 0; len(others)-i > limit-1; i++ {
			reg.Deactivated = append(reg.Deactivated, others[i].ID)
		}
		if err := s.deactivate(ctx, db, in.UserID, reg.Deactivated, "device_limit"); err != nil {
			return err
		}

		if current != nil {
			reg.Device, err = s.devices.Touch(ctx, db, current.ID, in.IPAddress, location, now)
			if err != nil {
				return fmt.Errorf("touch device: %w", err)
			}
		} else {
			device := &domain.DeviceFingerprint{
				ID:              uuid.New(),
				UserID:          in.UserID,
				Username:        in.Username,
				FingerprintHash: in.FingerprintHash,
				DeviceInfo:      in.DeviceInfo,
				IPAddress:       in.IPAddress,
				Geo:             location,
				IsActive:        true,
				SessionCount:    1,
				FirstSeen:       now,
				LastSeen:        now,
			}
			if err := s.devices.Insert(ctx, db, device); err != nil {
				return fmt.Errorf("insert device: %w", err)
			}
			reg.Device = device
		}
		reg.ActiveAfter = reg.ActiveBefore - len(reg.Deactivated)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if n := len(reg.Deactivated); n > 0 {
		metrics.DevicesDeactivated.Add(float64(n))
		s.logger.Info("devices deactivated for limit",
			"user_id", in.UserID, "count", n, "limit", reg.Limit)
	}
	return reg, nil
}

func (s *Store) deactivate(ctx context.Context, db repository.DBTX, userID uuid.UUID, ids []uuid.UUID, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.devices.Deactivate(ctx, db, ids); err != nil {
		return fmt.Errorf("deactivate devices: %w", err)
	}
	for _, id := range ids {
		if err := s.outbox.Insert(ctx, db, domain.NewDeviceDeactivatedEvent(userID, id, reason)); err != nil {
			return fmt.Errorf("insert outbox event: %w", err)
		}
	}
	return nil
}

func (s *Store) lookup(ip string) domain.GeoInfo {
	info, err := s.geo.Lookup(ip)
	if err != nil {
		s.logger.Debug("geo lookup failed", "ip", ip, "error", err)
		return domain.GeoInfo{}
	}
	return info
}

// CountActive returns the user's active device count.
func (s *Store) CountActive(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.devices.CountActive(ctx, s.tx.Conn(), userID)
}

// ListForUser returns every device record of a user, newest sighting first.
func (s *Store) ListForUser(ctx context.Context, userID uuid.UUID) ([]domain.DeviceFingerprint, error) {
	return s.devices.ListByUser(ctx, s.tx.Conn(), userID)
}

// Suspicion scores a device from its sessions in the trailing 24 hours.
// Admin-verified devices score zero.
func (s *Store) Suspicion(ctx context.Context, device *domain.DeviceFingerprint) (domain.Suspicion, error) {
	var out domain.Suspicion
	if device == nil || device.IsVerified {
		return out, nil
	}

	recent, err := s.sessions.ListByDeviceSince(ctx, s.tx.Conn(), device.ID, s.now().Add(-suspicionWindow))
	if err != nil {
		return out, fmt.Errorf("list device sessions: %w", err)
	}
	return SuspicionFromHistory(device, recent), nil
}

// SuspicionFromHistory applies the device heuristics to sessions ordered newest first.
func SuspicionFromHistory(device *domain.DeviceFingerprint, recent []domain.UserSession) domain.Suspicion {
	var out domain.Suspicion
	if len(recent) > recentSessionSample {
		recent = recent[:recentSessionSample]
	}
	ips := make(map[string]struct{}, len(recent))
	for _, sess := range recent {
		ips[sess.IPAddress] = struct{}{}
	}
	if len(ips) >= rapidChangeDistinctIPs {
		out.Add(rapidLocationPoints, domain.ReasonRapidLocationChanges)
	}
	if device.SessionCount > highSessionCount {
		out.Add(highFrequencyPoints, domain.ReasonHighSessionFrequency)
	}
	return out
}

// RecordSuspicious bumps the device counters matching reasons.
func (s *Store) RecordSuspicious(ctx context.Context, deviceID uuid.UUID, reasons []string) error {
	var delta domain.SuspiciousActivity
	for _, r := range reasons {
		switch r {
		case domain.ReasonRapidLocationChanges:
			delta.RapidLocationChanges++
		case domain.ReasonUnusualTiming:
			delta.UnusualHours++
		case domain.ReasonMultipleSimultaneousIPs:
			delta.SimultaneousActivity++
		}
	}
	if delta == (domain.SuspiciousActivity{}) {
		return nil
	}
	return s.devices.AddSuspicious(ctx, s.tx.Conn(), deviceID, delta)
}

// Verify marks a device as admin-trusted.
func (s *Store) Verify(ctx context.Context, deviceID uuid.UUID, verified bool) (*domain.DeviceFingerprint, error) {
	device, err := s.devices.SetVerified(ctx, s.tx.Conn(), deviceID, verified)
	if err != nil {
		return nil, fmt.Errorf("verify device: %w", err)
	}
	if device == nil {
		return nil, domain.ErrNotFound("device", deviceID.String())
	}
	return device, nil
}
