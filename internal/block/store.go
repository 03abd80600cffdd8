// Package block manages the account block lifecycle: creation with its
// enforcement side effects, expiry, appeals and admin overrides.
package block

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/attaboy/shareguard/internal/audit"
	"github.com/attaboy/shareguard/internal/domain"
	"github.com/attaboy/shareguard/internal/metrics"
	"github.com/attaboy/shareguard/internal/policy"
	"github.com/attaboy/shareguard/internal/repository"
	"github.com/google/uuid"
)

const maxAppealReason = 2000

// NewBlock describes a block to create.
type NewBlock struct {
	UserID    uuid.UUID
	Username  string
	Type      domain.BlockType
	Reason    domain.BlockReason
	Level     domain.BlockLevel
	Score     int
	Breakdown domain.ScoreBreakdown
	// Duration applies to TEMPORARY blocks only.
	Duration time.Duration
	Evidence domain.Evidence
	// DeviceID, when set, is deactivated together with the block.
	DeviceID *uuid.UUID
	Actor    string
	Notes    string
}

// Store persists blocks and applies their side effects transactionally.
type Store struct {
	tx       repository.TxManager
	accounts repository.AccountRepository
	devices  repository.DeviceRepository
	sessions repository.SessionRepository
	blocks   repository.BlockRepository
	outbox   repository.OutboxRepository
	audit    audit.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

func NewStore(
	tx repository.TxManager,
	accounts repository.AccountRepository,
	devices repository.DeviceRepository,
	sessions repository.SessionRepository,
	blocks repository.BlockRepository,
	outbox repository.OutboxRepository,
	recorder audit.Recorder,
	logger *slog.Logger,
) *Store {
	return &Store{
		tx:       tx,
		accounts: accounts,
		devices:  devices,
		sessions: sessions,
		blocks:   blocks,
		outbox:   outbox,
		audit:    recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the store's time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Current returns the user's enforcing block, or nil.
func (s *Store) Current(ctx context.Context, userID uuid.UUID) (*domain.AccountBlock, error) {
	return s.blocks.FindEnforcing(ctx, s.tx.Conn(), userID)
}

// Get returns a block by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*domain.AccountBlock, error) {
	b, err := s.blocks.FindByID(ctx, s.tx.Conn(), id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, domain.ErrNotFound("block", id.String())
	}
	return b, nil
}

func (s *Store) List(ctx context.Context, filter domain.BlockFilter) ([]domain.AccountBlock, error) {
	return s.blocks.List(ctx, s.tx.Conn(), filter)
}

// CountForUser counts every block the user ever received.
func (s *Store) CountForUser(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.blocks.CountByUser(ctx, s.tx.Conn(), userID)
}

// Create inserts a block unless the user already has an enforcing one, in
// which case that block is returned with created=false and nothing else
// changes. A new block deactivates the offending device, ends every active
// session with reason suspicious and marks the account inactive.
func (s *Store) Create(ctx context.Context, nb NewBlock) (*domain.AccountBlock, bool, error) {
	now := s.now().UTC()
	actor := nb.Actor
	if actor == "" {
		actor = domain.ActorSystem
	}
	b := &domain.AccountBlock{
		ID:             uuid.New(),
		UserID:         nb.UserID,
		Username:       nb.Username,
		BlockType:      nb.Type,
		BlockReason:    nb.Reason,
		BlockLevel:     nb.Level,
		SharingScore:   nb.Score,
		ScoreBreakdown: nb.Breakdown,
		BlockedAt:      now,
		Status:         domain.BlockActive,
		Evidence:       nb.Evidence,
		AdminActions:   []domain.AdminAction{{At: now, Actor: actor, Action: domain.ActionBlocked, Notes: nb.Notes}},
		UpdatedAt:      now,
	}
	if b.BlockType == "" {
		b.BlockType = domain.BlockTemporary
	}
	if b.BlockLevel == "" {
		b.BlockLevel = domain.LevelFull
	}
	if b.BlockType == domain.BlockTemporary {
		if nb.Duration <= 0 {
			return nil, false, domain.ErrValidation("temporary block needs a positive duration")
		}
		until := now.Add(min(nb.Duration, policy.MaxBlockDuration))
		b.BlockedUntil = &until
	}

	var (
		result  *domain.AccountBlock
		created bool
		evicted []uuid.UUID
	)
	err := s.tx.RunInTx(ctx, func(db repository.DBTX) error {
		ok, err := s.blocks.Insert(ctx, db, b)
		if err != nil {
			return fmt.Errorf("insert block: %w", err)
		}
		if !ok {
			existing, err := s.blocks.FindEnforcing(ctx, db, nb.UserID)
			if err != nil {
				return fmt.Errorf("find enforcing block: %w", err)
			}
			if existing == nil {
				return domain.ErrConflict("block insert conflicted but no enforcing block was found")
			}
			result = existing
			return nil
		}
		result, created = b, true

		if nb.DeviceID != nil {
			if err := s.devices.Deactivate(ctx, db, []uuid.UUID{*nb.DeviceID}); err != nil {
				return fmt.Errorf("deactivate device: %w", err)
			}
			if err := s.outbox.Insert(ctx, db, domain.NewDeviceDeactivatedEvent(nb.UserID, *nb.DeviceID, string(nb.Reason))); err != nil {
				return fmt.Errorf("insert outbox event: %w", err)
			}
		}

		evicted, err = s.sessions.DeactivateByUser(ctx, db, nb.UserID, domain.LogoutSuspicious, now)
		if err != nil {
			return fmt.Errorf("end sessions: %w", err)
		}
		if len(evicted) > 0 {
			if err := s.outbox.Insert(ctx, db, domain.NewSessionEvictedEvent(nb.UserID, evicted, domain.LogoutSuspicious)); err != nil {
				return fmt.Errorf("insert outbox event: %w", err)
			}
		}

		if err := s.accounts.UpdateActiveFlag(ctx, db, nb.UserID, false); err != nil {
			return fmt.Errorf("deactivate account: %w", err)
		}
		return s.outbox.Insert(ctx, db, domain.NewBlockEvent(domain.EventBlockCreated, b))
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		return result, false, nil
	}

	metrics.BlocksCreated.WithLabelValues(string(b.BlockReason)).Inc()
	if nb.DeviceID != nil {
		metrics.DevicesDeactivated.Inc()
	}
	if len(evicted) > 0 {
		metrics.SessionsEvicted.WithLabelValues(string(domain.LogoutSuspicious)).Add(float64(len(evicted)))
	}
	s.audit.Record(ctx, domain.AuditBlockCreated, "account blocked", map[string]any{
		"block_id":       b.ID.String(),
		"user_id":        b.UserID.String(),
		"block_type":     b.BlockType,
		"reason":         b.BlockReason,
		"sharing_score":  b.SharingScore,
		"blocked_until":  b.BlockedUntil,
		"sessions_ended": len(evicted),
	})
	s.logger.Warn("account blocked",
		"block_id", b.ID, "user_id", b.UserID, "score", b.SharingScore, "type", b.BlockType, "until", b.BlockedUntil)
	return result, true, nil
}

// ExpireDue lists enforcing temporary blocks whose end time is at or before now,
// one page at a time. Pass the last block of a page as after to get the next.
func (s *Store) ExpireDue(ctx context.Context, now time.Time, after *domain.DueCursor, limit int) ([]domain.AccountBlock, error) {
	return s.blocks.ListDue(ctx, s.tx.Conn(), now, after, limit)
}

// Expire lifts a due temporary block and reactivates the account. It reports
// false when the block was not due or another worker already moved it.
// A failed attempt is recorded on the block.
func (s *Store) Expire(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	now = now.UTC()
	var expired *domain.AccountBlock
	err := s.tx.RunInTx(ctx, func(db repository.DBTX) error {
		var err error
		expired, err = s.blocks.Expire(ctx, db, id, now, domain.AdminAction{
			At: now, Actor: domain.ActorSystem, Action: domain.ActionUnblocked, Notes: domain.ExpiryNote,
		})
		if err != nil {
			return fmt.Errorf("expire block: %w", err)
		}
		if expired == nil {
			return nil
		}
		if err := s.accounts.UpdateActiveFlag(ctx, db, expired.UserID, true); err != nil {
			return fmt.Errorf("reactivate account: %w", err)
		}
		if err := s.blocks.AppendAutoUnblockAttempt(ctx, db, id, domain.AutoUnblockAttempt{At: now, Success: true}); err != nil {
			return fmt.Errorf("record attempt: %w", err)
		}
		return s.outbox.Insert(ctx, db, domain.NewBlockEvent(domain.EventBlockExpired, expired))
	})
	if err != nil {
		attempt := domain.AutoUnblockAttempt{At: now, Error: err.Error()}
		if aerr := s.blocks.AppendAutoUnblockAttempt(context.WithoutCancel(ctx), s.tx.Conn(), id, attempt); aerr != nil {
			s.logger.Error("record unblock attempt failed", "block_id", id, "error", aerr)
		}
		return false, err
	}
	if expired == nil {
		return false, nil
	}

	s.audit.Record(ctx, domain.AuditBlockExpired, domain.ExpiryNote, map[string]any{
		"block_id": id.String(),
		"user_id":  expired.UserID.String(),
		"actor":    domain.ActorSystem,
	})
	s.logger.Info("block expired", "block_id", id, "user_id", expired.UserID)
	return true, nil
}

// SubmitAppeal files the user's appeal against an active block.
func (s *Store) SubmitAppeal(ctx context.Context, id, userID uuid.UUID, reason string) (*domain.AccountBlock, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, domain.ErrValidation("appeal reason is required")
	}
	if len(reason) > maxAppealReason {
		return nil, domain.ErrValidation(fmt.Sprintf("appeal reason must be at most %d characters", maxAppealReason))
	}

	b, err := s.mutate(ctx, id, domain.EventBlockAppealed, func(b *domain.AccountBlock, now time.Time) error {
		if b.UserID != userID {
			return domain.ErrForbidden("block belongs to another user")
		}
		if b.Status != domain.BlockActive {
			return domain.ErrInvalidTransition(b.Status, "appeal")
		}
		if b.Appeal != nil {
			return domain.ErrConflict("block has already been appealed")
		}
		b.Appeal = &domain.Appeal{Status: domain.AppealPending, Reason: reason, SubmittedAt: now}
		b.Status = domain.BlockAppealed
		b.AdminActions = append(b.AdminActions, domain.AdminAction{
			At: now, Actor: userID.String(), Action: domain.ActionAppealSubmitted, Notes: reason,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, domain.AuditAppealFiled, "block appealed", map[string]any{
		"block_id": id.String(), "user_id": userID.String(),
	})
	return b, nil
}

// ReviewAppeal applies a reviewer's decision. Approval lifts the block,
// rejection reinstates it and escalation hands it to a senior reviewer.
func (s *Store) ReviewAppeal(ctx context.Context, id uuid.UUID, reviewer string, decision domain.AppealDecision, notes string) (*domain.AccountBlock, error) {
	if !decision.Valid() {
		return nil, domain.ErrValidation(fmt.Sprintf("decision must be one of approve, reject, escalate; got %q", decision))
	}
	if reviewer == "" {
		return nil, domain.ErrValidation("reviewer is required")
	}

	evt := domain.EventBlockAppealed
	if decision == domain.DecisionApprove {
		evt = domain.EventBlockUnblocked
	}
	b, err := s.mutate(ctx, id, evt, func(b *domain.AccountBlock, now time.Time) error {
		if b.Appeal == nil || (b.Status != domain.BlockAppealed && b.Status != domain.BlockEscalated) {
			return domain.ErrInvalidTransition(b.Status, "review the appeal of")
		}
		b.Appeal.ReviewedBy = reviewer
		b.Appeal.ReviewedAt = &now
		b.Appeal.Notes = notes
		switch decision {
		case domain.DecisionApprove:
			b.Appeal.Status = domain.AppealApproved
			b.Status = domain.BlockUnblocked
		case domain.DecisionReject:
			b.Appeal.Status = domain.AppealRejected
			b.Status = domain.BlockActive
		case domain.DecisionEscalate:
			b.Appeal.Status = domain.AppealEscalated
			b.Status = domain.BlockEscalated
		}
		b.AdminActions = append(b.AdminActions, domain.AdminAction{
			At: now, Actor: reviewer, Action: domain.ActionAppealReviewed, Notes: string(decision) + noteSuffix(notes),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, domain.AuditAppealReviewed, "appeal reviewed", map[string]any{
		"block_id": id.String(), "user_id": b.UserID.String(), "reviewer": reviewer, "decision": decision,
	})
	return b, nil
}

// Unblock lifts an enforcing block on an admin's behalf.
func (s *Store) Unblock(ctx context.Context, id uuid.UUID, admin, notes string) (*domain.AccountBlock, error) {
	b, err := s.mutate(ctx, id, domain.EventBlockUnblocked, func(b *domain.AccountBlock, now time.Time) error {
		if !b.Status.Enforcing() {
			return domain.ErrInvalidTransition(b.Status, "unblock")
		}
		b.Status = domain.BlockUnblocked
		b.AdminActions = append(b.AdminActions, domain.AdminAction{
			At: now, Actor: admin, Action: domain.ActionUnblocked, Notes: notes,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, domain.AuditBlockUnblocked, "account unblocked", map[string]any{
		"block_id": id.String(), "user_id": b.UserID.String(), "admin": admin,
	})
	return b, nil
}

// Extend pushes back the end of an enforcing block by `by`, or makes it
// permanent. The end time never moves more than a year past now.
func (s *Store) Extend(ctx context.Context, id uuid.UUID, admin string, by time.Duration, permanent bool, notes string) (*domain.AccountBlock, error) {
	if !permanent && by <= 0 {
		return nil, domain.ErrValidation("extension must be positive")
	}
	b, err := s.mutate(ctx, id, domain.EventBlockExtended, func(b *domain.AccountBlock, now time.Time) error {
		if !b.Status.Enforcing() {
			return domain.ErrInvalidTransition(b.Status, "extend")
		}
		if b.BlockType == domain.BlockPermanent {
			return domain.ErrConflict("block is already permanent")
		}
		note := notes
		if permanent {
			b.BlockType = domain.BlockPermanent
			b.BlockedUntil = nil
			note = "permanent" + noteSuffix(notes)
		} else {
			from := now
			if b.BlockedUntil != nil && b.BlockedUntil.After(now) {
				from = *b.BlockedUntil
			}
			until := from.Add(by)
			if ceiling := now.Add(policy.MaxBlockDuration); until.After(ceiling) {
				until = ceiling
			}
			b.BlockedUntil = &until
			note = "+" + by.String() + noteSuffix(notes)
		}
		b.AdminActions = append(b.AdminActions, domain.AdminAction{
			At: now, Actor: admin, Action: domain.ActionExtended, Notes: note,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, domain.AuditBlockExtended, "block extended", map[string]any{
		"block_id": id.String(), "user_id": b.UserID.String(), "admin": admin,
		"blocked_until": b.BlockedUntil, "permanent": permanent,
	})
	return b, nil
}

// mutate runs a read-modify-write on a locked block, saves it, restores the
// account when the block stopped enforcing, and writes evt to the outbox.
func (s *Store) mutate(ctx context.Context, id uuid.UUID, evt domain.EventType, apply func(b *domain.AccountBlock, now time.Time) error) (*domain.AccountBlock, error) {
	var out *domain.AccountBlock
	err := s.tx.RunInTx(ctx, func(db repository.DBTX) error {
		b, err := s.blocks.LockForUpdate(ctx, db, id)
		if err != nil {
			return fmt.Errorf("lock block: %w", err)
		}
		if b == nil {
			return domain.ErrNotFound("block", id.String())
		}
		wasEnforcing := b.Status.Enforcing()

		now := s.now().UTC()
		if err := apply(b, now); err != nil {
			return err
		}
		b.UpdatedAt = now
		if err := s.blocks.Save(ctx, db, b); err != nil {
			return fmt.Errorf("save block: %w", err)
		}
		if wasEnforcing && !b.Status.Enforcing() {
			if err := s.accounts.UpdateActiveFlag(ctx, db, b.UserID, true); err != nil {
				return fmt.Errorf("reactivate account: %w", err)
			}
		}
		if err := s.outbox.Insert(ctx, db, domain.NewBlockEvent(evt, b)); err != nil {
			return fmt.Errorf("insert outbox event: %w", err)
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func noteSuffix(notes string) string {
	if notes == "" {
		return ""
	}
	return ": " + notes
}
