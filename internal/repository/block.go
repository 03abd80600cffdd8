package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/attaboy/shareguard/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type blockRepo struct{}

// NewBlockRepository returns a pgx-backed BlockRepository.
func NewBlockRepository() BlockRepository {
	return &blockRepo{}
}

const blockColumns = `id, user_id, username, block_type, block_reason, block_level, sharing_score,
	score_breakdown, blocked_at, blocked_until, status, evidence, appeal, admin_actions,
	auto_unblock_attempts, updated_at`

const enforcingStatuses = `('ACTIVE', 'APPEALED', 'ESCALATED')`

func (r *blockRepo) FindByID(ctx context.Context, db DBTX, id uuid.UUID) (*domain.AccountBlock, error) {
	row := db.QueryRow(ctx, `SELECT `+blockColumns+` FROM account_blocks WHERE id = $1`, id)
	return scanBlock(row)
}

func (r *blockRepo) LockForUpdate(ctx context.Context, db DBTX, id uuid.UUID) (*domain.AccountBlock, error) {
	row := db.QueryRow(ctx, `SELECT `+blockColumns+` FROM account_blocks WHERE id = $1 FOR UPDATE`, id)
	return scanBlock(row)
}

func (r *blockRepo) FindEnforcing(ctx context.Context, db DBTX, userID uuid.UUID) (*domain.AccountBlock, error) {
	row := db.QueryRow(ctx, `
		SELECT `+blockColumns+` FROM account_blocks
		WHERE user_id = $1 AND status IN `+enforcingStatuses, userID)
	return scanBlock(row)
}

// Insert relies on uq_block_enforcing_user: a conflicting row is skipped, not raised.
func (r *blockRepo) Insert(ctx context.Context, db DBTX, b *domain.AccountBlock) (bool, error) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.AdminActions == nil {
		b.AdminActions = []domain.AdminAction{}
	}
	if b.AutoUnblockAttempts == nil {
		b.AutoUnblockAttempts = []domain.AutoUnblockAttempt{}
	}
	var id uuid.UUID
	err := db.QueryRow(ctx, `
		INSERT INTO account_blocks
		  (id, user_id, username, block_type, block_reason, block_level, sharing_score,
		   score_breakdown, blocked_at, blocked_until, status, evidence, appeal, admin_actions,
		   auto_unblock_attempts, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (user_id) WHERE status IN `+enforcingStatuses+` DO NOTHING
		RETURNING id`,
		b.ID, b.UserID, b.Username, string(b.BlockType), string(b.BlockReason), string(b.BlockLevel),
		b.SharingScore, b.ScoreBreakdown, b.BlockedAt, b.BlockedUntil, string(b.Status), b.Evidence,
		b.Appeal, b.AdminActions, b.AutoUnblockAttempts, b.UpdatedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert block: %w", err)
	}
	return true, nil
}

func (r *blockRepo) List(ctx context.Context, db DBTX, f domain.BlockFilter) ([]domain.AccountBlock, error) {
	var where []string
	var args []interface{}
	if f.UserID != nil {
		args = append(args, *f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + blockColumns + ` FROM account_blocks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(` ORDER BY blocked_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	return r.list(ctx, db, query, args...)
}

func (r *blockRepo) list(ctx context.Context, db DBTX, query string, args ...interface{}) ([]domain.AccountBlock, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	var blocks []domain.AccountBlock
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, *b)
	}
	return blocks, rows.Err()
}

func (r *blockRepo) CountByUser(ctx context.Context, db DBTX, userID uuid.UUID) (int, error) {
	var n int
	err := db.QueryRow(ctx, `SELECT count(*) FROM account_blocks WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count blocks: %w", err)
	}
	return n, nil
}

func (r *blockRepo) ListDue(ctx context.Context, db DBTX, now time.Time, after *domain.DueCursor, limit int) ([]domain.AccountBlock, error) {
	var afterAt *time.Time
	afterID := uuid.Nil
	if after != nil {
		afterAt, afterID = &after.BlockedUntil, after.ID
	}
	return r.list(ctx, db, `
		SELECT `+blockColumns+` FROM account_blocks
		WHERE block_type = 'TEMPORARY' AND status IN `+enforcingStatuses+`
		  AND blocked_until <= $1
		  AND ($2::timestamptz IS NULL OR (blocked_until, id) > ($2::timestamptz, $3::uuid))
		ORDER BY blocked_until ASC, id ASC
		LIMIT $4`, now, afterAt, afterID, limit)
}

// Expire is a compare-and-set: the WHERE clause re-checks due-ness, so a second
// call on the same block matches nothing.
func (r *blockRepo) Expire(ctx context.Context, db DBTX, id uuid.UUID, now time.Time, action domain.AdminAction) (*domain.AccountBlock, error) {
	row := db.QueryRow(ctx, `
		UPDATE account_blocks
		SET status = 'EXPIRED',
		    admin_actions = admin_actions || jsonb_build_array($3::jsonb),
		    updated_at = $2
		WHERE id = $1 AND block_type = 'TEMPORARY' AND status IN `+enforcingStatuses+`
		  AND blocked_until <= $2
		RETURNING `+blockColumns, id, now, action)
	return scanBlock(row)
}

func (r *blockRepo) Save(ctx context.Context, db DBTX, b *domain.AccountBlock) error {
	tag, err := db.Exec(ctx, `
		UPDATE account_blocks
		SET block_type = $2, blocked_until = $3, status = $4, appeal = $5,
		    admin_actions = $6, updated_at = $7
		WHERE id = $1`,
		b.ID, string(b.BlockType), b.BlockedUntil, string(b.Status), b.Appeal, b.AdminActions, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save block: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound("block", b.ID.String())
	}
	return nil
}

func (r *blockRepo) AppendAutoUnblockAttempt(ctx context.Context, db DBTX, id uuid.UUID, attempt domain.AutoUnblockAttempt) error {
	_, err := db.Exec(ctx, `
		UPDATE account_blocks
		SET auto_unblock_attempts = auto_unblock_attempts || jsonb_build_array($2::jsonb)
		WHERE id = $1`, id, attempt)
	if err != nil {
		return fmt.Errorf("append auto-unblock attempt: %w", err)
	}
	return nil
}

func scanBlock(row pgx.Row) (*domain.AccountBlock, error) {
	var b domain.AccountBlock
	err := row.Scan(&b.ID, &b.UserID, &b.Username, &b.BlockType, &b.BlockReason, &b.BlockLevel,
		&b.SharingScore, &b.ScoreBreakdown, &b.BlockedAt, &b.BlockedUntil, &b.Status, &b.Evidence,
		&b.Appeal, &b.AdminActions, &b.AutoUnblockAttempts, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan block: %w", err)
	}
	return &b, nil
}
