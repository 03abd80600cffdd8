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

type deviceRepo struct{}

// NewDeviceRepository returns a pgx-backed DeviceRepository.
func NewDeviceRepository() DeviceRepository {
	return &deviceRepo{}
}

const deviceColumns = `id, seq, user_id, username, fingerprint_hash, device_info, ip_address, geo,
	is_active, is_verified, session_count, first_seen, last_seen,
	rapid_location_changes, unusual_hours, simultaneous_activity`

func (r *deviceRepo) FindByID(ctx context.Context, db DBTX, id uuid.UUID) (*domain.DeviceFingerprint, error) {
	row := db.QueryRow(ctx, `SELECT `+deviceColumns+` FROM device_fingerprints WHERE id = $1`, id)
	return scanDevice(row)
}

func (r *deviceRepo) FindActive(ctx context.Context, db DBTX, userID uuid.UUID, hash string) (*domain.DeviceFingerprint, error) {
	row := db.QueryRow(ctx, `
		SELECT `+deviceColumns+` FROM device_fingerprints
		WHERE user_id = $1 AND fingerprint_hash = $2 AND is_active`, userID, hash)
	return scanDevice(row)
}

func (r *deviceRepo) ListActive(ctx context.Context, db DBTX, userID uuid.UUID) ([]domain.DeviceFingerprint, error) {
	return r.list(ctx, db, `
		SELECT `+deviceColumns+` FROM device_fingerprints
		WHERE user_id = $1 AND is_active
		ORDER BY last_seen ASC, seq ASC`, userID)
}

func (r *deviceRepo) ListByUser(ctx context.Context, db DBTX, userID uuid.UUID) ([]domain.DeviceFingerprint, error) {
	return r.list(ctx, db, `
		SELECT `+deviceColumns+` FROM device_fingerprints
		WHERE user_id = $1
		ORDER BY last_seen DESC, seq DESC`, userID)
}

func (r *deviceRepo) list(ctx context.Context, db DBTX, query string, args ...interface{}) ([]domain.DeviceFingerprint, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []domain.DeviceFingerprint
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func (r *deviceRepo) CountActive(ctx context.Context, db DBTX, userID uuid.UUID) (int, error) {
	var n int
	err := db.QueryRow(ctx,
		`SELECT count(*) FROM device_fingerprints WHERE user_id = $1 AND is_active`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active devices: %w", err)
	}
	return n, nil
}

func (r *deviceRepo) Insert(ctx context.Context, db DBTX, d *domain.DeviceFingerprint) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	info := d.DeviceInfo
	if info == nil {
		info = map[string]any{}
	}
	err := db.QueryRow(ctx, `
		INSERT INTO device_fingerprints
		  (id, user_id, username, fingerprint_hash, device_info, ip_address, geo,
		   is_active, is_verified, session_count, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq`,
		d.ID, d.UserID, d.Username, d.FingerprintHash, info, d.IPAddress, d.Geo,
		d.IsActive, d.IsVerified, d.SessionCount, d.FirstSeen, d.LastSeen,
	).Scan(&d.Seq)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

func (r *deviceRepo) Touch(ctx context.Context, db DBTX, id uuid.UUID, ip string, geo domain.GeoInfo, at time.Time) (*domain.DeviceFingerprint, error) {
	row := db.QueryRow(ctx, `
		UPDATE device_fingerprints
		SET last_seen = $2, session_count = session_count + 1, ip_address = $3, geo = $4
		WHERE id = $1
		RETURNING `+deviceColumns, id, at, ip, geo)
	return scanDevice(row)
}

func (r *deviceRepo) Deactivate(ctx context.Context, db DBTX, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.Exec(ctx,
		`UPDATE device_fingerprints SET is_active = FALSE WHERE id = ANY($1) AND is_active`, ids)
	if err != nil {
		return fmt.Errorf("deactivate devices: %w", err)
	}
	return nil
}

func (r *deviceRepo) SetVerified(ctx context.Context, db DBTX, id uuid.UUID, verified bool) (*domain.DeviceFingerprint, error) {
	row := db.QueryRow(ctx, `
		UPDATE device_fingerprints SET is_verified = $2 WHERE id = $1
		RETURNING `+deviceColumns, id, verified)
	return scanDevice(row)
}

func (r *deviceRepo) AddSuspicious(ctx context.Context, db DBTX, id uuid.UUID, delta domain.SuspiciousActivity) error {
	_, err := db.Exec(ctx, `
		UPDATE device_fingerprints
		SET rapid_location_changes = rapid_location_changes + $2,
		    unusual_hours = unusual_hours + $3,
		    simultaneous_activity = simultaneous_activity + $4
		WHERE id = $1`,
		id, delta.RapidLocationChanges, delta.UnusualHours, delta.SimultaneousActivity)
	if err != nil {
		return fmt.Errorf("add suspicious counters: %w", err)
	}
	return nil
}

func scanDevice(row pgx.Row) (*domain.DeviceFingerprint, error) {
	var d domain.DeviceFingerprint
	err := row.Scan(&d.ID, &d.Seq, &d.UserID, &d.Username, &d.FingerprintHash, &d.DeviceInfo,
		&d.IPAddress, &d.Geo, &d.IsActive, &d.IsVerified, &d.SessionCount, &d.FirstSeen, &d.LastSeen,
		&d.Suspicious.RapidLocationChanges, &d.Suspicious.UnusualHours, &d.Suspicious.SimultaneousActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan device: %w", err)
	}
	return &d, nil
}
