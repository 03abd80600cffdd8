package block

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/attaboy/shareguard/internal/audit"
	"github.com/attaboy/shareguard/internal/domain"
	"github.com/attaboy/shareguard/internal/policy"
	"github.com/attaboy/shareguard/internal/repository"
	"github.com/attaboy/shareguard/internal/repository/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	db    *memory.DB
	store *Store
	clock time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{db: db, clock: time.Date(2026, 4, 2, 14, 0, 0, 0, time.UTC)}
	env.store = NewStore(db.TxManager(), db.Accounts(), db.Devices(), db.Sessions(), db.Blocks(), db.Outbox(),
		audit.NewLogger(nil, db.Audit(), logger), logger)
	env.store.now = func() time.Time { return env.clock }
	return env
}

func (e *testEnv) seedAccount(t *testing.T) *domain.Account {
	t.Helper()
	a := &domain.Account{ID: uuid.New(), Username: "carol", SubscriptionType: domain.SubscriptionMonthly, IsActive: true, CreatedAt: e.clock}
	require.NoError(t, e.db.Accounts().Create(context.Background(), nil, a))
	return a
}

func (e *testEnv) block(t *testing.T, a *domain.Account, d time.Duration) *domain.AccountBlock {
	t.Helper()
	b, created, err := e.store.Create(context.Background(), NewBlock{
		UserID: a.ID, Username: a.Username, Type: domain.BlockTemporary,
		Reason: domain.ReasonAccountSharing, Score: 88, Duration: d,
	})
	require.NoError(t, err)
	require.True(t, created)
	return b
}

func (e *testEnv) account(t *testing.T, id uuid.UUID) *domain.Account {
	t.Helper()
	a, err := e.db.Accounts().FindByID(context.Background(), nil, id)
	require.NoError(t, err)
	return a
}

func (e *testEnv) events(t *testing.T) []domain.EventType {
	t.Helper()
	evts, err := e.db.Outbox().FetchUnpublished(context.Background(), nil, 100)
	require.NoError(t, err)
	out := make([]domain.EventType, len(evts))
	for i, ev := range evts {
		out[i] = ev.EventType
	}
	return out
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var appErr *domain.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, code, appErr.Code)
}

func TestCreate_SideEffects(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedAccount(t)
	ctx := context.Background()

	device := &domain.DeviceFingerprint{UserID: a.ID, FingerprintHash: "fp-shared", IsActive: true, FirstSeen: env.clock, LastSeen: env.clock}
	require.NoError(t, env.db.Devices().Insert(ctx, nil, device))
	for _, tok := range []string{"token-aaaa", "token-bbbb"} {
		require.NoError(t, env.db.Sessions().Insert(ctx, nil, &domain.UserSession{
			SessionToken: tok, UserID: a.ID, IsActive: true, LoginAt: env.clock, LastActivity: env.clock,
		}))
	}

	b, created, err := env.store.Create(ctx, NewBlock{
		UserID: a.ID, Username: a.Username, Type: domain.BlockTemporary, Reason: domain.ReasonAccountSharing,
		Score: 90, Duration: 24 * time.Hour, DeviceID: &device.ID,
		Breakdown: domain.ScoreBreakdown{Hardware: 40, Behavior: 100, Session: 90},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.BlockActive, b.Status)
	assert.Equal(t, domain.LevelFull, b.BlockLevel)
	require.NotNil(t, b.BlockedUntil)
	assert.Equal(t, env.clock.Add(24*time.Hour), *b.BlockedUntil)
	require.Len(t, b.AdminActions, 1)
	assert.Equal(t, domain.ActorSystem, b.AdminActions[0].Actor)

	assert.False(t, env.account(t, a.ID).IsActive)

	d, err := env.db.Devices().FindByID(ctx, nil, device.ID)
	require.NoError(t, err)
	assert.False(t, d.IsActive)

	n, err := env.db.Sessions().CountActive(ctx, nil, a.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	ended, err := env.db.Sessions().FindByToken(ctx, nil, "token-aaaa")
	require.NoError(t, err)
	assert.Equal(t, domain.LogoutSuspicious, *ended.LogoutReason)

	assert.Equal(t, []domain.EventType{
		domain.EventDeviceDeactivated, domain.EventSessionEvicted, domain.EventBlockCreated,
	}, env.events(t))

	entries, err := env.db.Audit().ListByType(ctx, nil, domain.AuditBlockCreated, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCreate_ExistingEnforcingBlockWins(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedAccount(t)
	ctx := context.Background()

	first := env.block(t, a, time.Hour)
	second, created, err := env.store.Create(ctx, NewBlock{
		UserID: a.ID, Type: domain.BlockTemporary, Reason: domain.ReasonConcurrentSessions, Duration: 7 * 24 * time.Hour,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	n, err := env.store.CountForUser(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []domain.EventType{domain.EventBlockCreated}, env.events(t))
}

func TestCreate_ConcurrentCallersYieldOneBlock(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedAccount(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[uuid.UUID]int{}
		created int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, ok, err := env.store.Create(context.Background(), NewBlock{
				UserID: a.ID, Type: domain.BlockTemporary, Reason: domain.ReasonAccountSharing, Duration: time.Hour,
			})
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			ids[b.ID]++
			if ok {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
}

func TestCreate_Validation(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedAccount(t)

	_, _, err := env.store.Create(context.Background(), NewBlock{UserID: a.ID, Type: domain.BlockTemporary})
	requireCode(t, err, "VALIDATION_ERROR")

	b, created, err := env.store.Create(context.Background(), NewBlock{UserID: a.ID, Type: domain.BlockPermanent, Reason: domain.ReasonAdminAction, Actor: "admin-1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, b.BlockedUntil)
	assert.Equal(t, time.Duration(-1), b.Remaining(env.clock))
	assert.Equal(t, "admin-1", b.AdminActions[0].Actor)
}

func TestExpire(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedAccount(t)
	ctx := context.Background()
	b := env.block(t, a, time.Hour)

	ok, err := env.store.Expire(ctx, b.ID, env.clock.Add(30*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "not due yet")

	due, err := env.store.ExpireDue(ctx, env.clock.Add(time.Hour), nil, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	ok, err = env.store.Expire(ctx, b.ID, env.clock.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.store.Expire(ctx, b.ID, env.clock.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "second expiry is a no-op")

	got, err := env.store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BlockExpired, got.Status)
	require.Len(t, got.AdminActions, 2)
	last := got.AdminActions[1]
	assert.Equal(t, domain.ActorSystem, last.Actor)
	assert.Equal(t, domain.ActionUnblocked, last.Action)
	assert.Equal(t, domain.ExpiryNote, last.Notes)
	require.Len(t, got.AutoUnblockAttempts, 1)
	assert.True(t, got.AutoUnblockAttempts[0].Success)

	assert.True(t, env.account(t, a.ID).IsActive)
	cur, err := env.store.Current(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, cur)

	entries, err := env.db.Audit().ListByType(ctx, nil, domain.AuditBlockExpired, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, []domain.EventType{domain.EventBlockCreated, domain.EventBlockExpired}, env.events(t))
}

type failingAccounts struct {
	repository.AccountRepository
	err error
}

func (f failingAccounts) UpdateActiveFlag(context.Context, repository.DBTX, uuid.UUID, bool) error {
	return f.err
}

func TestExpire_RecordsFailedAttempt(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedAccount(t)
	ctx := context.Background()
	b := env.block(t, a, time.Hour)

	env.store.accounts = failingAccounts{AccountRepository: env.db.Accounts(), err: errors.New("connection reset")}
	_, err := env.store.Expire(ctx, b.ID, env.clock.Add(2*time.Hour))
	require.Error(t, err)

	got, err := env.store.Get(ctx, b.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.AutoUnblockAttempts)
	failed := got.AutoUnblockAttempts[len(got.AutoUnblockAttempts)-1]
	assert.False(t, failed.Success)
	assert.Contains(t, failed.Error, "connection reset")
}

func TestAppealApproval(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedAccount(t)
	ctx := context.Background()
	b := env.block(t, a, 24*time.Hour)

	appealed, err := env.store.SubmitAppeal(ctx, b.ID, a.ID, "  I was travelling  ")
	require.NoError(t, err)
	assert.Equal(t, domain.BlockAppealed, appealed.Status)
	require.NotNil(t, appealed.Appeal)
	assert.Equal(t, domain.AppealPending, appealed.Appeal.Status)
	assert.Equal(t, "I was travelling", appealed.Appeal.Reason)

	cur, err := env.store.Current(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, cur, "an appealed block still enforces")
	assert.False(t, env.account(t, a.ID).IsActive)

	env.clock = env.clock.Add(time.Hour)
	reviewed, err := env.store.ReviewAppeal(ctx, b.ID, "admin-7", domain.DecisionApprove, "confirmed travel")
	require.NoError(t, err)
	assert.Equal(t, domain.BlockUnblocked, reviewed.Status)
	assert.Equal(t, domain.AppealApproved, reviewed.Appeal.Status)
	assert.Equal(t, "admin-7", reviewed.Appeal.ReviewedBy)
	require.NotNil(t, reviewed.Appeal.ReviewedAt)
	assert.Equal(t, env.clock, *reviewed.Appeal.ReviewedAt)

	actions := make([]string, len(reviewed.AdminActions))
	for i, act := range reviewed.AdminActions {
		actions[i] = act.Action
	}
	assert.Equal(t, []string{domain.ActionBlocked, domain.ActionAppealSubmitted, domain.ActionAppealReviewed}, actions)

	assert.True(t, env.account(t, a.ID).IsActive)
	assert.Equal(t, []domain.EventType{
		domain.EventBlockCreated, domain.EventBlockAppealed, domain.EventBlockUnblocked,
	}, env.events(t))
}

func TestReviewAppeal_RejectAndEscalate(t *testing.T) {
	tests := []struct {
		decision domain.AppealDecision
		status   domain.BlockStatus
		appeal   domain.AppealStatus
	}{
		{domain.DecisionReject, domain.BlockActive, domain.AppealRejected},
		{domain.DecisionEscalate, domain.BlockEscalated, domain.AppealEscalated},
	}
	for _, tt := range tests {
		t.Run(string(tt.decision), func(t *testing.T) {
			env := newTestEnv(t)
			a := env.seedAccount(t)
			ctx := context.Background()
			b := env.block(t, a, 24*time.Hour)

			_, err := env.store.SubmitAppeal(ctx, b.ID, a.ID, "not me")
			require.NoError(t, err)
			got, err := env.store.ReviewAppeal(ctx, b.ID, "admin-7", tt.decision, "")
			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.appeal, got.Appeal.Status)
			assert.False(t, env.account(t, a.ID).IsActive)
		})
	}
}

func TestAppeal_InvalidTransitions(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedAccount(t)
	ctx := context.Background()
	b := env.block(t, a, 24*time.Hour)

	_, err := env.store.ReviewAppeal(ctx, b.ID, "admin-7", domain.DecisionApprove, "")
	requireCode(t, err, "INVALID_TRANSITION")

	_, err = env.store.ReviewAppeal(ctx, b.ID, "admin-7", domain.AppealDecision("maybe"), "")
	requireCode(t, err, "VALIDATION_ERROR")

	_, err = env.store.SubmitAppeal(ctx, b.ID, uuid.New(), "not me")
	requireCode(t, err, "FORBIDDEN")

	_, err = env.store.SubmitAppeal(ctx, b.ID, a.ID, "   ")
	requireCode(t, err, "VALIDATION_ERROR")

	_, err = env.store.SubmitAppeal(ctx, uuid.New(), a.ID, "not me")
	assert.True(t, domain.IsNotFound(err))

	_, err = env.store.SubmitAppeal(ctx, b.ID, a.ID, "not me")
	require.NoError(t, err)
	_, err = env.store.ReviewAppeal(ctx, b.ID, "admin-7", domain.DecisionReject, "")
	require.NoError(t, err)
	_, err = env.store.SubmitAppeal(ctx, b.ID, a.ID, "please")
	requireCode(t, err, "CONFLICT")

	_, err = env.store.Unblock(ctx, b.ID, "admin-7", "")
	require.NoError(t, err)
	_, err = env.store.SubmitAppeal(ctx, b.ID, a.ID, "please")
	requireCode(t, err, "INVALID_TRANSITION")
}

func TestUnblock(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedAccount(t)
	ctx := context.Background()
	b := env.block(t, a, 24*time.Hour)

	got, err := env.store.Unblock(ctx, b.ID, "admin-1", "false positive")
	require.NoError(t, err)
	assert.Equal(t, domain.BlockUnblocked, got.Status)
	assert.True(t, env.account(t, a.ID).IsActive)

	_, err = env.store.Unblock(ctx, b.ID, "admin-1", "")
	requireCode(t, err, "INVALID_TRANSITION")

	again := env.block(t, a, time.Hour)
	assert.NotEqual(t, b.ID, again.ID, "a lifted block no longer counts as enforcing")
}

func TestExtend(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedAccount(t)
	ctx := context.Background()
	b := env.block(t, a, 6*time.Hour)

	got, err := env.store.Extend(ctx, b.ID, "admin-1", 18*time.Hour, false, "repeat")
	require.NoError(t, err)
	require.NotNil(t, got.BlockedUntil)
	assert.Equal(t, env.clock.Add(24*time.Hour), *got.BlockedUntil)
	assert.Equal(t, domain.ActionExtended, got.AdminActions[len(got.AdminActions)-1].Action)

	got, err = env.store.Extend(ctx, b.ID, "admin-1", 10*policy.MaxBlockDuration, false, "")
	require.NoError(t, err)
	assert.Equal(t, env.clock.Add(policy.MaxBlockDuration), *got.BlockedUntil)

	got, err = env.store.Extend(ctx, b.ID, "admin-1", 0, true, "")
	require.NoError(t, err)
	assert.Equal(t, domain.BlockPermanent, got.BlockType)
	assert.Nil(t, got.BlockedUntil)

	_, err = env.store.Extend(ctx, b.ID, "admin-1", 0, true, "")
	requireCode(t, err, "CONFLICT")

	_, err = env.store.Extend(ctx, b.ID, "admin-1", -time.Hour, false, "")
	requireCode(t, err, "VALIDATION_ERROR")

	due, err := env.store.ExpireDue(ctx, env.clock.Add(2*policy.MaxBlockDuration), nil, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "permanent blocks never expire")
}

func TestExpireDue_PagesWithCursor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var want []uuid.UUID
	for range 3 {
		want = append(want, env.block(t, env.seedAccount(t), time.Hour).ID)
	}
	// Same end time for all three: order falls back to id.
	slices.SortFunc(want, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })

	var (
		got   []uuid.UUID
		after *domain.DueCursor
	)
	for {
		page, err := env.store.ExpireDue(ctx, env.clock.Add(time.Hour), after, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, b := range page {
			got = append(got, b.ID)
		}
		last := page[len(page)-1]
		after = &domain.DueCursor{BlockedUntil: *last.BlockedUntil, ID: last.ID}
	}
	assert.Equal(t, want, got)
}

func TestList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.seedAccount(t)
	second := env.seedAccount(t)

	b1 := env.block(t, first, time.Hour)
	env.clock = env.clock.Add(time.Minute)
	env.block(t, second, time.Hour)
	_, err := env.store.Unblock(ctx, b1.ID, "admin-1", "")
	require.NoError(t, err)

	all, err := env.store.List(ctx, domain.BlockFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := env.store.List(ctx, domain.BlockFilter{Status: domain.BlockActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].UserID)

	mine, err := env.store.List(ctx, domain.BlockFilter{UserID: &first.ID})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, b1.ID, mine[0].ID)

	_, err = env.store.Get(ctx, uuid.New())
	assert.True(t, domain.IsNotFound(err))
}
