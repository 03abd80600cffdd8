package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/attaboy/shareguard/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type accountRepo struct{}

// NewAccountRepository returns a pgx-backed AccountRepository.
func NewAccountRepository() AccountRepository {
	return &accountRepo{}
}

const accountColumns = `id, username, subscription_type, is_active, created_at, updated_at`

func (r *accountRepo) FindByID(ctx context.Context, db DBTX, id uuid.UUID) (*domain.Account, error) {
	row := db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (r *accountRepo) LockForUpdate(ctx context.Context, db DBTX, id uuid.UUID) (*domain.Account, error) {
	row := db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	return scanAccount(row)
}

func (r *accountRepo) UpdateActiveFlag(ctx context.Context, db DBTX, id uuid.UUID, active bool) error {
	tag, err := db.Exec(ctx,
		`UPDATE accounts SET is_active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("update active flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound("account", id.String())
	}
	return nil
}

func (r *accountRepo) Create(ctx context.Context, db DBTX, a *domain.Account) error {
	_, err := db.Exec(ctx, `
		INSERT INTO accounts (id, username, subscription_type, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Username, string(a.SubscriptionType), a.IsActive, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.Username, &a.SubscriptionType, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}
