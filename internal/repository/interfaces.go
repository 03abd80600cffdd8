package repository

import (
	"context"
	"time"

	"github.com/attaboy/shareguard/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX abstracts pgx.Tx and pgxpool.Pool so repositories work with both.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// TxManager runs a unit of work in a single database transaction.
// Conn returns the handle for reads outside a transaction.
type TxManager interface {
	RunInTx(ctx context.Context, fn func(db DBTX) error) error
	Conn() DBTX
}

// AccountRepository provides access to accounts.
type AccountRepository interface {
	// FindByID returns an account, or nil when it does not exist.
	FindByID(ctx context.Context, db DBTX, id uuid.UUID) (*domain.Account, error)

	// LockForUpdate acquires a row-level lock (SELECT FOR UPDATE) and returns the account.
	// All per-user admission decisions serialise on this lock.
	LockForUpdate(ctx context.Context, db DBTX, id uuid.UUID) (*domain.Account, error)

	// UpdateActiveFlag flips accounts.is_active.
	UpdateActiveFlag(ctx context.Context, db DBTX, id uuid.UUID, active bool) error

	// Create inserts a new account.
	Create(ctx context.Context, db DBTX, account *domain.Account) error
}

// DeviceRepository provides access to device_fingerprints.
type DeviceRepository interface {
	// FindByID returns a device, or nil.
	FindByID(ctx context.Context, db DBTX, id uuid.UUID) (*domain.DeviceFingerprint, error)

	// FindActive returns the active record for (user, hash), or nil.
	FindActive(ctx context.Context, db DBTX, userID uuid.UUID, hash string) (*domain.DeviceFingerprint, error)

	// ListActive returns active devices, least recently seen first (seq breaks ties).
	ListActive(ctx context.Context, db DBTX, userID uuid.UUID) ([]domain.DeviceFingerprint, error)

	// ListByUser returns every device record of a user, newest sighting first.
	ListByUser(ctx context.Context, db DBTX, userID uuid.UUID) ([]domain.DeviceFingerprint, error)

	CountActive(ctx context.Context, db DBTX, userID uuid.UUID) (int, error)

	// Insert creates a device record and fills in its ID and Seq.
	Insert(ctx context.Context, db DBTX, device *domain.DeviceFingerprint) error

	// Touch records a repeat sighting: last_seen, session_count+1, IP and geo.
	Touch(ctx context.Context, db DBTX, id uuid.UUID, ip string, geo domain.GeoInfo, at time.Time) (*domain.DeviceFingerprint, error)

	// Deactivate marks devices inactive. Records are never deleted.
	Deactivate(ctx context.Context, db DBTX, ids []uuid.UUID) error

	SetVerified(ctx context.Context, db DBTX, id uuid.UUID, verified bool) (*domain.DeviceFingerprint, error)

	// AddSuspicious increments the suspicious-activity counters by delta.
	AddSuspicious(ctx context.Context, db DBTX, id uuid.UUID, delta domain.SuspiciousActivity) error
}

// SessionRepository provides access to user_sessions.
type SessionRepository interface {
	// FindByToken returns a session, or nil.
	FindByToken(ctx context.Context, db DBTX, token string) (*domain.UserSession, error)

	// ListActive returns active sessions, most recently active first (higher seq breaks ties).
	ListActive(ctx context.Context, db DBTX, userID uuid.UUID) ([]domain.UserSession, error)

	// ListByDeviceSince returns sessions tied to a device that logged in at or after since,
	// newest first.
	ListByDeviceSince(ctx context.Context, db DBTX, deviceID uuid.UUID, since time.Time) ([]domain.UserSession, error)

	CountActive(ctx context.Context, db DBTX, userID uuid.UUID) (int, error)

	// Insert creates a session and fills in its ID and Seq.
	Insert(ctx context.Context, db DBTX, session *domain.UserSession) error

	// Deactivate ends the given sessions if still active. Returns the number changed.
	Deactivate(ctx context.Context, db DBTX, ids []uuid.UUID, reason domain.LogoutReason, at time.Time) (int, error)

	// DeactivateByUser ends every active session of a user and returns their IDs.
	DeactivateByUser(ctx context.Context, db DBTX, userID uuid.UUID, reason domain.LogoutReason, at time.Time) ([]uuid.UUID, error)

	// Update persists the mutable activity fields of a session.
	Update(ctx context.Context, db DBTX, session *domain.UserSession) error

	// DeleteStale removes sessions whose last activity is before cutoff.
	DeleteStale(ctx context.Context, db DBTX, cutoff time.Time, inactiveOnly bool) (int64, error)
}

// BlockRepository provides access to account_blocks.
type BlockRepository interface {
	// FindByID returns a block, or nil.
	FindByID(ctx context.Context, db DBTX, id uuid.UUID) (*domain.AccountBlock, error)

	// LockForUpdate locks a block row for a read-modify-write.
	LockForUpdate(ctx context.Context, db DBTX, id uuid.UUID) (*domain.AccountBlock, error)

	// FindEnforcing returns the user's block in an enforcing status, or nil.
	FindEnforcing(ctx context.Context, db DBTX, userID uuid.UUID) (*domain.AccountBlock, error)

	// Insert creates a block unless the user already has an enforcing one.
	// Returns false when the partial unique index rejected the row.
	Insert(ctx context.Context, db DBTX, block *domain.AccountBlock) (bool, error)

	List(ctx context.Context, db DBTX, filter domain.BlockFilter) ([]domain.AccountBlock, error)

	CountByUser(ctx context.Context, db DBTX, userID uuid.UUID) (int, error)

	// ListDue returns enforcing temporary blocks whose blocked_until is at or before now,
	// ordered by (blocked_until, id) and starting after the cursor when one is given.
	ListDue(ctx context.Context, db DBTX, now time.Time, after *domain.DueCursor, limit int) ([]domain.AccountBlock, error)

	// Expire moves a due block to EXPIRED and appends action in the same statement.
	// Returns nil when the block was not due or had already transitioned.
	Expire(ctx context.Context, db DBTX, id uuid.UUID, now time.Time, action domain.AdminAction) (*domain.AccountBlock, error)

	// Save writes the mutable workflow columns of a block locked with LockForUpdate.
	Save(ctx context.Context, db DBTX, block *domain.AccountBlock) error

	AppendAutoUnblockAttempt(ctx context.Context, db DBTX, id uuid.UUID, attempt domain.AutoUnblockAttempt) error
}

// AuditRepository provides access to audit_logs.
type AuditRepository interface {
	Insert(ctx context.Context, db DBTX, entry *domain.AuditEntry) error

	// ListByType returns the newest entries of an event type.
	ListByType(ctx context.Context, db DBTX, eventType string, limit int) ([]domain.AuditEntry, error)
}

// OutboxRepository provides access to the event_outbox table.
type OutboxRepository interface {
	// Insert writes an outbox event (within the same transaction as the state change).
	Insert(ctx context.Context, db DBTX, draft domain.OutboxDraft) error

	// FetchUnpublished returns unpublished events in insertion order.
	FetchUnpublished(ctx context.Context, db DBTX, limit int) ([]domain.OutboxEvent, error)

	// MarkPublished stamps publishedAt on the given rows.
	MarkPublished(ctx context.Context, db DBTX, ids []int64) error
}
