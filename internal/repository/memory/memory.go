// Package memory holds in-process implementations of the repository interfaces.
// They back unit tests and single-node demos; transactions serialise on one
// mutex and do not roll back partial writes.
package memory

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/attaboy/shareguard/internal/domain"
	"github.com/attaboy/shareguard/internal/repository"
	"github.com/google/uuid"
)

// DB is a shared in-memory dataset.
type DB struct {
	txMu sync.Mutex

	mu       sync.RWMutex
	seq      int64
	accounts map[uuid.UUID]domain.Account
	devices  map[uuid.UUID]domain.DeviceFingerprint
	sessions map[uuid.UUID]domain.UserSession
	blocks   map[uuid.UUID]domain.AccountBlock
	audit    []domain.AuditEntry
	outbox   []domain.OutboxEvent
}

// New returns an empty dataset.
func New() *DB {
	return &DB{
		accounts: make(map[uuid.UUID]domain.Account),
		devices:  make(map[uuid.UUID]domain.DeviceFingerprint),
		sessions: make(map[uuid.UUID]domain.UserSession),
		blocks:   make(map[uuid.UUID]domain.AccountBlock),
	}
}

func (db *DB) nextSeq() int64 {
	db.seq++
	return db.seq
}

// TxManager serialises units of work. RunInTx must not be nested.
func (db *DB) TxManager() repository.TxManager { return &txManager{db: db} }

func (db *DB) Accounts() repository.AccountRepository { return &accountRepo{db: db} }
func (db *DB) Devices() repository.DeviceRepository   { return &deviceRepo{db: db} }
func (db *DB) Sessions() repository.SessionRepository { return &sessionRepo{db: db} }
func (db *DB) Blocks() repository.BlockRepository     { return &blockRepo{db: db} }
func (db *DB) Audit() repository.AuditRepository      { return &auditRepo{db: db} }
func (db *DB) Outbox() repository.OutboxRepository    { return &outboxRepo{db: db} }

type txManager struct{ db *DB }

func (m *txManager) RunInTx(ctx context.Context, fn func(db repository.DBTX) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.db.txMu.Lock()
	defer m.db.txMu.Unlock()
	return fn(nil)
}

func (m *txManager) Conn() repository.DBTX { return nil }

// --- accounts ---

type accountRepo struct{ db *DB }

func (r *accountRepo) FindByID(_ context.Context, _ repository.DBTX, id uuid.UUID) (*domain.Account, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	a, ok := r.db.accounts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (r *accountRepo) LockForUpdate(ctx context.Context, db repository.DBTX, id uuid.UUID) (*domain.Account, error) {
	return r.FindByID(ctx, db, id)
}

func (r *accountRepo) UpdateActiveFlag(_ context.Context, _ repository.DBTX, id uuid.UUID, active bool) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	a, ok := r.db.accounts[id]
	if !ok {
		return domain.ErrNotFound("account", id.String())
	}
	a.IsActive = active
	a.UpdatedAt = time.Now()
	r.db.accounts[id] = a
	return nil
}

func (r *accountRepo) Create(_ context.Context, _ repository.DBTX, a *domain.Account) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.accounts[a.ID]; ok {
		return domain.ErrConflict("account already exists")
	}
	r.db.accounts[a.ID] = *a
	return nil
}

// --- devices ---

type deviceRepo struct{ db *DB }

func (r *deviceRepo) FindByID(_ context.Context, _ repository.DBTX, id uuid.UUID) (*domain.DeviceFingerprint, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	d, ok := r.db.devices[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (r *deviceRepo) FindActive(_ context.Context, _ repository.DBTX, userID uuid.UUID, hash string) (*domain.DeviceFingerprint, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for _, d := range r.db.devices {
		if d.UserID == userID && d.FingerprintHash == hash && d.IsActive {
			return &d, nil
		}
	}
	return nil, nil
}

func (r *deviceRepo) filter(keep func(domain.DeviceFingerprint) bool) []domain.DeviceFingerprint {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []domain.DeviceFingerprint
	for _, d := range r.db.devices {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

func (r *deviceRepo) ListActive(_ context.Context, _ repository.DBTX, userID uuid.UUID) ([]domain.DeviceFingerprint, error) {
	out := r.filter(func(d domain.DeviceFingerprint) bool { return d.UserID == userID && d.IsActive })
	slices.SortFunc(out, func(a, b domain.DeviceFingerprint) int {
		if domain.OlderDevice(a, b) {
			return -1
		}
		return 1
	})
	return out, nil
}

func (r *deviceRepo) ListByUser(_ context.Context, _ repository.DBTX, userID uuid.UUID) ([]domain.DeviceFingerprint, error) {
	out := r.filter(func(d domain.DeviceFingerprint) bool { return d.UserID == userID })
	slices.SortFunc(out, func(a, b domain.DeviceFingerprint) int {
		if domain.OlderDevice(a, b) {
			return 1
		}
		return -1
	})
	return out, nil
}

func (r *deviceRepo) CountActive(ctx context.Context, db repository.DBTX, userID uuid.UUID) (int, error) {
	out, _ := r.ListActive(ctx, db, userID)
	return len(out), nil
}

func (r *deviceRepo) Insert(_ context.Context, _ repository.DBTX, d *domain.DeviceFingerprint) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if d.IsActive {
		for _, existing := range r.db.devices {
			if existing.UserID == d.UserID && existing.FingerprintHash == d.FingerprintHash && existing.IsActive {
				return domain.ErrConflict("active device fingerprint already registered")
			}
		}
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.Seq = r.db.nextSeq()
	r.db.devices[d.ID] = *d
	return nil
}

func (r *deviceRepo) Touch(_ context.Context, _ repository.DBTX, id uuid.UUID, ip string, geo domain.GeoInfo, at time.Time) (*domain.DeviceFingerprint, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	d, ok := r.db.devices[id]
	if !ok {
		return nil, nil
	}
	d.LastSeen = at
	d.SessionCount++
	d.IPAddress = ip
	d.Geo = geo
	r.db.devices[id] = d
	return &d, nil
}

func (r *deviceRepo) Deactivate(_ context.Context, _ repository.DBTX, ids []uuid.UUID) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, id := range ids {
		if d, ok := r.db.devices[id]; ok {
			d.IsActive = false
			r.db.devices[id] = d
		}
	}
	return nil
}

func (r *deviceRepo) SetVerified(_ context.Context, _ repository.DBTX, id uuid.UUID, verified bool) (*domain.DeviceFingerprint, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	d, ok := r.db.devices[id]
	if !ok {
		return nil, nil
	}
	d.IsVerified = verified
	r.db.devices[id] = d
	return &d, nil
}

func (r *deviceRepo) AddSuspicious(_ context.Context, _ repository.DBTX, id uuid.UUID, delta domain.SuspiciousActivity) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	d, ok := r.db.devices[id]
	if !ok {
		return nil
	}
	d.Suspicious.RapidLocationChanges += delta.RapidLocationChanges
	d.Suspicious.UnusualHours += delta.UnusualHours
	d.Suspicious.SimultaneousActivity += delta.SimultaneousActivity
	r.db.devices[id] = d
	return nil
}

// --- sessions ---

type sessionRepo struct{ db *DB }

func cloneSession(s domain.UserSession) domain.UserSession {
	s.Locations = slices.Clone(s.Locations)
	s.Metrics.FeaturesUsed = slices.Clone(s.Metrics.FeaturesUsed)
	return s
}

func (r *sessionRepo) FindByToken(_ context.Context, _ repository.DBTX, token string) (*domain.UserSession, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for _, s := range r.db.sessions {
		if s.SessionToken == token {
			c := cloneSession(s)
			return &c, nil
		}
	}
	return nil, nil
}

func (r *sessionRepo) filter(keep func(domain.UserSession) bool) []domain.UserSession {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []domain.UserSession
	for _, s := range r.db.sessions {
		if keep(s) {
			out = append(out, cloneSession(s))
		}
	}
	return out
}

func (r *sessionRepo) ListActive(_ context.Context, _ repository.DBTX, userID uuid.UUID) ([]domain.UserSession, error) {
	out := r.filter(func(s domain.UserSession) bool { return s.UserID == userID && s.IsActive })
	slices.SortFunc(out, func(a, b domain.UserSession) int {
		if domain.NewerSession(a, b) {
			return -1
		}
		return 1
	})
	return out, nil
}

func (r *sessionRepo) ListByDeviceSince(_ context.Context, _ repository.DBTX, deviceID uuid.UUID, since time.Time) ([]domain.UserSession, error) {
	out := r.filter(func(s domain.UserSession) bool {
		return s.DeviceID != nil && *s.DeviceID == deviceID && !s.LoginAt.Before(since)
	})
	slices.SortFunc(out, func(a, b domain.UserSession) int {
		if c := b.LoginAt.Compare(a.LoginAt); c != 0 {
			return c
		}
		if a.Seq > b.Seq {
			return -1
		}
		return 1
	})
	return out, nil
}

func (r *sessionRepo) CountActive(ctx context.Context, db repository.DBTX, userID uuid.UUID) (int, error) {
	out, _ := r.ListActive(ctx, db, userID)
	return len(out), nil
}

func (r *sessionRepo) Insert(_ context.Context, _ repository.DBTX, s *domain.UserSession) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, existing := range r.db.sessions {
		if existing.SessionToken == s.SessionToken {
			return domain.ErrConflict("session token already exists")
		}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.Seq = r.db.nextSeq()
	r.db.sessions[s.ID] = cloneSession(*s)
	return nil
}

func (r *sessionRepo) Deactivate(_ context.Context, _ repository.DBTX, ids []uuid.UUID, reason domain.LogoutReason, at time.Time) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	n := 0
	for _, id := range ids {
		s, ok := r.db.sessions[id]
		if !ok || !s.IsActive {
			continue
		}
		endSession(&s, reason, at)
		r.db.sessions[id] = s
		n++
	}
	return n, nil
}

func (r *sessionRepo) DeactivateByUser(_ context.Context, _ repository.DBTX, userID uuid.UUID, reason domain.LogoutReason, at time.Time) ([]uuid.UUID, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var ids []uuid.UUID
	for id, s := range r.db.sessions {
		if s.UserID != userID || !s.IsActive {
			continue
		}
		endSession(&s, reason, at)
		r.db.sessions[id] = s
		ids = append(ids, id)
	}
	return ids, nil
}

func endSession(s *domain.UserSession, reason domain.LogoutReason, at time.Time) {
	s.IsActive = false
	s.LogoutAt = &at
	s.LogoutReason = &reason
	s.UpdatedAt = at
}

func (r *sessionRepo) Update(_ context.Context, _ repository.DBTX, s *domain.UserSession) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cur, ok := r.db.sessions[s.ID]
	if !ok {
		return domain.ErrNotFound("session", s.ID.String())
	}
	cur.IPAddress = s.IPAddress
	cur.LastActivity = s.LastActivity
	cur.Metrics = s.Metrics
	cur.Locations = s.Locations
	cur.Flags = s.Flags
	cur.UpdatedAt = s.UpdatedAt
	r.db.sessions[s.ID] = cloneSession(cur)
	return nil
}

func (r *sessionRepo) DeleteStale(_ context.Context, _ repository.DBTX, cutoff time.Time, inactiveOnly bool) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for id, s := range r.db.sessions {
		if !s.LastActivity.Before(cutoff) || (inactiveOnly && s.IsActive) {
			continue
		}
		delete(r.db.sessions, id)
		n++
	}
	return n, nil
}

// --- blocks ---

type blockRepo struct{ db *DB }

func cloneBlock(b domain.AccountBlock) domain.AccountBlock {
	b.AdminActions = slices.Clone(b.AdminActions)
	b.AutoUnblockAttempts = slices.Clone(b.AutoUnblockAttempts)
	b.Evidence.IPAddresses = slices.Clone(b.Evidence.IPAddresses)
	b.Evidence.Patterns = slices.Clone(b.Evidence.Patterns)
	if b.Appeal != nil {
		a := *b.Appeal
		b.Appeal = &a
	}
	if b.BlockedUntil != nil {
		u := *b.BlockedUntil
		b.BlockedUntil = &u
	}
	return b
}

func (r *blockRepo) FindByID(_ context.Context, _ repository.DBTX, id uuid.UUID) (*domain.AccountBlock, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	b, ok := r.db.blocks[id]
	if !ok {
		return nil, nil
	}
	c := cloneBlock(b)
	return &c, nil
}

func (r *blockRepo) LockForUpdate(ctx context.Context, db repository.DBTX, id uuid.UUID) (*domain.AccountBlock, error) {
	return r.FindByID(ctx, db, id)
}

func (r *blockRepo) findEnforcingLocked(userID uuid.UUID) (domain.AccountBlock, bool) {
	for _, b := range r.db.blocks {
		if b.UserID == userID && b.Status.Enforcing() {
			return b, true
		}
	}
	return domain.AccountBlock{}, false
}

func (r *blockRepo) FindEnforcing(_ context.Context, _ repository.DBTX, userID uuid.UUID) (*domain.AccountBlock, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	b, ok := r.findEnforcingLocked(userID)
	if !ok {
		return nil, nil
	}
	c := cloneBlock(b)
	return &c, nil
}

func (r *blockRepo) Insert(_ context.Context, _ repository.DBTX, b *domain.AccountBlock) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if b.Status.Enforcing() {
		if _, exists := r.findEnforcingLocked(b.UserID); exists {
			return false, nil
		}
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.AdminActions == nil {
		b.AdminActions = []domain.AdminAction{}
	}
	r.db.blocks[b.ID] = cloneBlock(*b)
	return true, nil
}

func (r *blockRepo) all(keep func(domain.AccountBlock) bool) []domain.AccountBlock {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []domain.AccountBlock
	for _, b := range r.db.blocks {
		if keep(b) {
			out = append(out, cloneBlock(b))
		}
	}
	return out
}

func (r *blockRepo) List(_ context.Context, _ repository.DBTX, f domain.BlockFilter) ([]domain.AccountBlock, error) {
	out := r.all(func(b domain.AccountBlock) bool {
		if f.UserID != nil && b.UserID != *f.UserID {
			return false
		}
		return f.Status == "" || b.Status == f.Status
	})
	slices.SortFunc(out, func(a, b domain.AccountBlock) int { return b.BlockedAt.Compare(a.BlockedAt) })

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *blockRepo) CountByUser(_ context.Context, _ repository.DBTX, userID uuid.UUID) (int, error) {
	return len(r.all(func(b domain.AccountBlock) bool { return b.UserID == userID })), nil
}

func (r *blockRepo) ListDue(_ context.Context, _ repository.DBTX, now time.Time, after *domain.DueCursor, limit int) ([]domain.AccountBlock, error) {
	out := r.all(func(b domain.AccountBlock) bool {
		if !b.Status.Enforcing() || !b.Expired(now) {
			return false
		}
		return after == nil || compareDue(*b.BlockedUntil, b.ID, after.BlockedUntil, after.ID) > 0
	})
	slices.SortFunc(out, func(a, b domain.AccountBlock) int {
		return compareDue(*a.BlockedUntil, a.ID, *b.BlockedUntil, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *blockRepo) Expire(_ context.Context, _ repository.DBTX, id uuid.UUID, now time.Time, action domain.AdminAction) (*domain.AccountBlock, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	b, ok := r.db.blocks[id]
	if !ok || !b.Status.Enforcing() || !b.Expired(now) {
		return nil, nil
	}
	b.Status = domain.BlockExpired
	b.AdminActions = append(slices.Clone(b.AdminActions), action)
	b.UpdatedAt = now
	r.db.blocks[id] = b
	c := cloneBlock(b)
	return &c, nil
}

func (r *blockRepo) Save(_ context.Context, _ repository.DBTX, b *domain.AccountBlock) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cur, ok := r.db.blocks[b.ID]
	if !ok {
		return domain.ErrNotFound("block", b.ID.String())
	}
	cur.BlockType = b.BlockType
	cur.BlockedUntil = b.BlockedUntil
	cur.Status = b.Status
	cur.Appeal = b.Appeal
	cur.AdminActions = b.AdminActions
	cur.UpdatedAt = b.UpdatedAt
	r.db.blocks[b.ID] = cloneBlock(cur)
	return nil
}

func (r *blockRepo) AppendAutoUnblockAttempt(_ context.Context, _ repository.DBTX, id uuid.UUID, attempt domain.AutoUnblockAttempt) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	b, ok := r.db.blocks[id]
	if !ok {
		return nil
	}
	b.AutoUnblockAttempts = append(slices.Clone(b.AutoUnblockAttempts), attempt)
	r.db.blocks[id] = b
	return nil
}

// --- audit ---

type auditRepo struct{ db *DB }

func (r *auditRepo) Insert(_ context.Context, _ repository.DBTX, e *domain.AuditEntry) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e.ID = r.db.nextSeq()
	e.CreatedAt = time.Now()
	r.db.audit = append(r.db.audit, *e)
	return nil
}

func (r *auditRepo) ListByType(_ context.Context, _ repository.DBTX, eventType string, limit int) ([]domain.AuditEntry, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []domain.AuditEntry
	for i := len(r.db.audit) - 1; i >= 0; i-- {
		if r.db.audit[i].EventType == eventType {
			out = append(out, r.db.audit[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// --- outbox ---

type outboxRepo struct{ db *DB }

func (r *outboxRepo) Insert(_ context.Context, _ repository.DBTX, draft domain.OutboxDraft) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.outbox = append(r.db.outbox, domain.OutboxEvent{SeqID: r.db.nextSeq(), OutboxDraft: draft})
	return nil
}

func (r *outboxRepo) FetchUnpublished(_ context.Context, _ repository.DBTX, limit int) ([]domain.OutboxEvent, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []domain.OutboxEvent
	for _, e := range r.db.outbox {
		if e.PublishedAt == nil {
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *outboxRepo) MarkPublished(_ context.Context, _ repository.DBTX, ids []int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	now := time.Now()
	for i := range r.db.outbox {
		if slices.Contains(ids, r.db.outbox[i].SeqID) {
			r.db.outbox[i].PublishedAt = &now
		}
	}
	return nil
}

// compareDue orders like Postgres does on (blocked_until, id).
func compareDue(at time.Time, id uuid.UUID, otherAt time.Time, otherID uuid.UUID) int {
	if c := at.Compare(otherAt); c != 0 {
		return c
	}
	return bytes.Compare(id[:], otherID[:])
}
