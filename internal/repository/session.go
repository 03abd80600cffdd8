package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/attaboy/shareguard/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type sessionRepo struct{}

// NewSessionRepository returns a pgx-backed SessionRepository.
func NewSessionRepository() SessionRepository {
	return &sessionRepo{}
}

const sessionColumns = `id, seq, session_token, user_id, username, device_id, ip_address, user_agent,
	is_active, login_at, last_activity, logout_at, logout_reason,
	metrics, location_history, security_flags, updated_at`

func (r *sessionRepo) FindByToken(ctx context.Context, db DBTX, token string) (*domain.UserSession, error) {
	row := db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM user_sessions WHERE session_token = $1`, token)
	return scanSession(row)
}

func (r *sessionRepo) ListActive(ctx context.Context, db DBTX, userID uuid.UUID) ([]domain.UserSession, error) {
	return r.list(ctx, db, `
		SELECT `+sessionColumns+` FROM user_sessions
		WHERE user_id = $1 AND is_active
		ORDER BY last_activity DESC, seq DESC`, userID)
}

func (r *sessionRepo) ListByDeviceSince(ctx context.Context, db DBTX, deviceID uuid.UUID, since time.Time) ([]domain.UserSession, error) {
	return r.list(ctx, db, `
		SELECT `+sessionColumns+` FROM user_sessions
		WHERE device_id = $1 AND login_at >= $2
		ORDER BY login_at DESC, seq DESC`, deviceID, since)
}

func (r *sessionRepo) list(ctx context.Context, db DBTX, query string, args ...interface{}) ([]domain.UserSession, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.UserSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func (r *sessionRepo) CountActive(ctx context.Context, db DBTX, userID uuid.UUID) (int, error) {
	var n int
	err := db.QueryRow(ctx,
		`SELECT count(*) FROM user_sessions WHERE user_id = $1 AND is_active`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

func (r *sessionRepo) Insert(ctx context.Context, db DBTX, s *domain.UserSession) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Locations == nil {
		s.Locations = []domain.LocationEntry{}
	}
	err := db.QueryRow(ctx, `
		INSERT INTO user_sessions
		  (id, session_token, user_id, username, device_id, ip_address, user_agent, is_active,
		   login_at, last_activity, metrics, location_history, security_flags, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING seq`,
		s.ID, s.SessionToken, s.UserID, s.Username, s.DeviceID, s.IPAddress, s.UserAgent, s.IsActive,
		s.LoginAt, s.LastActivity, s.Metrics, s.Locations, s.Flags, s.UpdatedAt,
	).Scan(&s.Seq)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *sessionRepo) Deactivate(ctx context.Context, db DBTX, ids []uuid.UUID, reason domain.LogoutReason, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := db.Exec(ctx, `
		UPDATE user_sessions
		SET is_active = FALSE, logout_at = $2, logout_reason = $3, updated_at = $2
		WHERE id = ANY($1) AND is_active`, ids, at, string(reason))
	if err != nil {
		return 0, fmt.Errorf("deactivate sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *sessionRepo) DeactivateByUser(ctx context.Context, db DBTX, userID uuid.UUID, reason domain.LogoutReason, at time.Time) ([]uuid.UUID, error) {
	rows, err := db.Query(ctx, `
		UPDATE user_sessions
		SET is_active = FALSE, logout_at = $2, logout_reason = $3, updated_at = $2
		WHERE user_id = $1 AND is_active
		RETURNING id`, userID, at, string(reason))
	if err != nil {
		return nil, fmt.Errorf("deactivate user sessions: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *sessionRepo) Update(ctx context.Context, db DBTX, s *domain.UserSession) error {
	if s.Locations == nil {
		s.Locations = []domain.LocationEntry{}
	}
	tag, err := db.Exec(ctx, `
		UPDATE user_sessions
		SET ip_address = $2, last_activity = $3, metrics = $4, location_history = $5,
		    security_flags = $6, updated_at = $7
		WHERE id = $1`,
		s.ID, s.IPAddress, s.LastActivity, s.Metrics, s.Locations, s.Flags, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound("session", s.ID.String())
	}
	return nil
}

func (r *sessionRepo) DeleteStale(ctx context.Context, db DBTX, cutoff time.Time, inactiveOnly bool) (int64, error) {
	tag, err := db.Exec(ctx, `
		DELETE FROM user_sessions
		WHERE last_activity < $1 AND (NOT $2 OR NOT is_active)`, cutoff, inactiveOnly)
	if err != nil {
		return 0, fmt.Errorf("delete stale sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSession(row pgx.Row) (*domain.UserSession, error) {
	var s domain.UserSession
	err := row.Scan(&s.ID, &s.Seq, &s.SessionToken, &s.UserID, &s.Username, &s.DeviceID, &s.IPAddress,
		&s.UserAgent, &s.IsActive, &s.LoginAt, &s.LastActivity, &s.LogoutAt, &s.LogoutReason,
		&s.Metrics, &s.Locations, &s.Flags, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &s, nil
}
