package repository

import (
	"context"
	"fmt"

	"github.com/attaboy/shareguard/internal/domain"
)

type auditRepo struct{}

// NewAuditRepository returns a pgx-backed AuditRepository.
func NewAuditRepository() AuditRepository {
	return &auditRepo{}
}

func (r *auditRepo) Insert(ctx context.Context, db DBTX, e *domain.AuditEntry) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	err := db.QueryRow(ctx, `
		INSERT INTO audit_logs (event_type, message, metadata)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`, e.EventType, e.Message, meta).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func (r *auditRepo) ListByType(ctx context.Context, db DBTX, eventType string, limit int) ([]domain.AuditEntry, error) {
	rows, err := db.Query(ctx, `
		SELECT id, event_type, message, metadata, created_at
		FROM audit_logs WHERE event_type = $1
		ORDER BY id DESC LIMIT $2`, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.EventType, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
