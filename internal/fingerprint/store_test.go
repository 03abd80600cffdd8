package fingerprint

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/attaboy/shareguard/internal/domain"
	"github.com/attaboy/shareguard/internal/geo"
	"github.com/attaboy/shareguard/internal/repository/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedGeo struct{ info domain.GeoInfo }

func (f fixedGeo) Lookup(string) (domain.GeoInfo, error) { return f.info, nil }

type testEnv struct {
	db    *memory.DB
	store *Store
	clock time.Time
}

func newTestEnv(t *testing.T, resolver geo.Resolver) *testEnv {
	t.Helper()
	db := memory.New()
	env := &testEnv{db: db, clock: time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)}
	env.store = NewStore(db.TxManager(), db.Accounts(), db.Devices(), db.Sessions(), db.Outbox(),
		resolver, slog.New(slog.NewTextHandler(io.Discard, nil)))
	env.store.now = func() time.Time { return env.clock }
	return env
}

func (e *testEnv) tick() { e.clock = e.clock.Add(time.Second) }

func (e *testEnv) seedAccount(t *testing.T, sub domain.SubscriptionType) *domain.Account {
	t.Helper()
	a := &domain.Account{ID: uuid.New(), Username: "alice", SubscriptionType: sub, IsActive: true, CreatedAt: e.clock}
	require.NoError(t, e.db.Accounts().Create(context.Background(), nil, a))
	return a
}

func (e *testEnv) register(t *testing.T, a *domain.Account, hash string) *Registration {
	t.Helper()
	reg, err := e.store.RegisterOrTouch(context.Background(), RegisterInput{
		UserID: a.ID, Username: a.Username, FingerprintHash: hash, IPAddress: "203.0.113.10",
	})
	require.NoError(t, err)
	return reg
}

func TestRegisterOrTouch_NewDevice(t *testing.T) {
	env := newTestEnv(t, fixedGeo{domain.GeoInfo{Country: "DE", TimeZone: "Europe/Berlin"}})
	a := env.seedAccount(t, domain.SubscriptionFree)

	reg := env.register(t, a, "fp-one")

	assert.True(t, reg.IsNewDevice)
	assert.Equal(t, 1, reg.ActiveBefore)
	assert.Equal(t, 1, reg.ActiveAfter)
	assert.Equal(t, 1, reg.Limit)
	assert.Empty(t, reg.Deactivated)
	assert.Equal(t, 1, reg.Device.SessionCount)
	assert.Equal(t, "DE", reg.Device.Geo.Country)
}

func TestRegisterOrTouch_TouchExisting(t *testing.T) {
	env := newTestEnv(t, geo.Noop{})
	a := env.seedAccount(t, domain.SubscriptionFree)

	first := env.register(t, a, "fp-one")
	env.tick()
	second := env.register(t, a, "fp-one")

	assert.False(t, second.IsNewDevice)
	assert.Equal(t, first.Device.ID, second.Device.ID)
	assert.Equal(t, 2, second.Device.SessionCount)
	assert.Equal(t, env.clock, second.Device.LastSeen)
}

func TestRegisterOrTouch_DeviceChurn(t *testing.T) {
	env := newTestEnv(t, geo.Noop{})
	a := env.seedAccount(t, domain.SubscriptionFree)
	ctx := context.Background()

	first := env.register(t, a, "fp-laptop")
	env.tick()
	second := env.register(t, a, "fp-phone")

	assert.True(t, second.IsNewDevice)
	assert.Equal(t, 2, second.ActiveBefore)
	assert.Equal(t, 1, second.ActiveAfter)
	assert.Equal(t, []uuid.UUID{first.Device.ID}, second.Deactivated)

	n, err := env.store.CountActive(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	old, err := env.db.Devices().FindByID(ctx, nil, first.Device.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive, "evicted devices are kept, not deleted")

	events, err := env.db.Outbox().FetchUnpublished(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventDeviceDeactivated, events[0].EventType)
}

func TestRegisterOrTouch_LimitInvariant(t *testing.T) {
	for _, sub := range []domain.SubscriptionType{domain.SubscriptionFree, domain.SubscriptionMonthly, domain.SubscriptionLifetime} {
		t.Run(string(sub), func(t *testing.T) {
			env := newTestEnv(t, geo.Noop{})
			a := env.seedAccount(t, sub)
			limit := domain.DeviceLimit(sub)

			for i := 0; i < 8; i++ {
				env.tick()
				env.register(t, a, fmt.Sprintf("fp-%d", i%5))
				n, err := env.store.CountActive(context.Background(), a.ID)
				require.NoError(t, err)
				assert.LessOrEqual(t, n, limit)
			}
		})
	}
}

func TestRegisterOrTouch_ConcurrentNewDevices(t *testing.T) {
	for _, sub := range []domain.SubscriptionType{domain.SubscriptionFree, domain.SubscriptionLifetime} {
		t.Run(string(sub), func(t *testing.T) {
			env := newTestEnv(t, geo.Noop{})
			a := env.seedAccount(t, sub)
			limit := domain.DeviceLimit(sub)

			var (
				wg         sync.WaitGroup
				mu         sync.Mutex
				underLimit int
			)
			for i := range 20 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					reg, err := env.store.RegisterOrTouch(context.Background(), RegisterInput{
						UserID: a.ID, Username: a.Username, FingerprintHash: fmt.Sprintf("fp-%02d", i), IPAddress: "203.0.113.10",
					})
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					defer mu.Unlock()
					if reg.ActiveBefore <= reg.Limit {
						underLimit++
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, limit, underLimit, "only the first devices up to the limit see room")
			n, err := env.store.CountActive(context.Background(), a.ID)
			require.NoError(t, err)
			assert.Equal(t, limit, n)
		})
	}
}

func TestRegisterOrTouch_EvictsLeastRecentlySeen(t *testing.T) {
	env := newTestEnv(t, geo.Noop{})
	a := env.seedAccount(t, domain.SubscriptionMonthly) // 2 devices

	d1 := env.register(t, a, "fp-1")
	env.tick()
	d2 := env.register(t, a, "fp-2")
	env.tick()
	env.register(t, a, "fp-1") // d1 is now the most recent
	env.tick()
	reg := env.register(t, a, "fp-3")

	assert.Equal(t, []uuid.UUID{d2.Device.ID}, reg.Deactivated)
	assert.NotContains(t, reg.Deactivated, d1.Device.ID)
}

func TestRegisterOrTouch_EqualTimestampsUseInsertionOrder(t *testing.T) {
	env := newTestEnv(t, geo.Noop{})
	a := env.seedAccount(t, domain.SubscriptionMonthly)

	d1 := env.register(t, a, "fp-1")
	env.register(t, a, "fp-2") // same clock reading
	reg := env.register(t, a, "fp-3")

	assert.Equal(t, []uuid.UUID{d1.Device.ID}, reg.Deactivated)
}

func TestRegisterOrTouch_Errors(t *testing.T) {
	env := newTestEnv(t, geo.Noop{})

	_, err := env.store.RegisterOrTouch(context.Background(), RegisterInput{UserID: uuid.New(), FingerprintHash: "fp"})
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))

	_, err = env.store.RegisterOrTouch(context.Background(), RegisterInput{UserID: uuid.New()})
	require.Error(t, err)
}

func TestSuspicionFromHistory(t *testing.T) {
	sessions := func(ips ...string) []domain.UserSession {
		out := make([]domain.UserSession, len(ips))
		for i, ip := range ips {
			out[i] = domain.UserSession{IPAddress: ip}
		}
		return out
	}

	tests := []struct {
		name      string
		count     int
		recent    []domain.UserSession
		wantScore int
		want      []string
	}{
		{"quiet device", 3, sessions("1.1.1.1", "1.1.1.1"), 0, nil},
		{"three ips in last five", 3, sessions("1.1.1.1", "2.2.2.2", "3.3.3.3"), 40, []string{domain.ReasonRapidLocationChanges}},
		{"extra ips beyond the sample are ignored", 3, sessions("1.1.1.1", "1.1.1.1", "1.1.1.1", "1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4"), 0, nil},
		{"heavy use", 51, nil, 20, []string{domain.ReasonHighSessionFrequency}},
		{"exactly fifty sessions", 50, nil, 0, nil},
		{"both", 60, sessions("1.1.1.1", "2.2.2.2", "3.3.3.3"), 60, []string{domain.ReasonRapidLocationChanges, domain.ReasonHighSessionFrequency}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SuspicionFromHistory(&domain.DeviceFingerprint{SessionCount: tt.count}, tt.recent)
			assert.Equal(t, tt.wantScore, got.Score)
			assert.Equal(t, tt.want, got.Reasons)
		})
	}
}

func TestSuspicion_UsesTrailingDay(t *testing.T) {
	env := newTestEnv(t, geo.Noop{})
	a := env.seedAccount(t, domain.SubscriptionFree)
	ctx := context.Background()
	reg := env.register(t, a, "fp-1")

	addSession := func(ip string, at time.Time) {
		id := reg.Device.ID
		require.NoError(t, env.db.Sessions().Insert(ctx, nil, &domain.UserSession{
			SessionToken: uuid.NewString(), UserID: a.ID, DeviceID: &id, IPAddress: ip,
			LoginAt: at, LastActivity: at,
		}))
	}
	addSession("1.1.1.1", env.clock.Add(-48*time.Hour))
	addSession("2.2.2.2", env.clock.Add(-30*time.Hour))
	addSession("3.3.3.3", env.clock.Add(-time.Hour))

	got, err := env.store.Suspicion(ctx, reg.Device)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Score)

	addSession("4.4.4.4", env.clock.Add(-30*time.Minute))
	addSession("5.5.5.5", env.clock.Add(-10*time.Minute))
	got, err = env.store.Suspicion(ctx, reg.Device)
	require.NoError(t, err)
	assert.True(t, got.Has(domain.ReasonRapidLocationChanges))

	verified, err := env.store.Verify(ctx, reg.Device.ID, true)
	require.NoError(t, err)
	got, err = env.store.Suspicion(ctx, verified)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Score, "verified devices are trusted")
}

func TestRecordSuspicious(t *testing.T) {
	env := newTestEnv(t, geo.Noop{})
	a := env.seedAccount(t, domain.SubscriptionFree)
	ctx := context.Background()
	reg := env.register(t, a, "fp-1")

	require.NoError(t, env.store.RecordSuspicious(ctx, reg.Device.ID,
		[]string{domain.ReasonUnusualTiming, domain.ReasonMultipleSimultaneousIPs, domain.ReasonHighSessionFrequency}))

	d, err := env.db.Devices().FindByID(ctx, nil, reg.Device.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SuspiciousActivity{UnusualHours: 1, SimultaneousActivity: 1}, d.Suspicious)
}

func TestVerify_NotFound(t *testing.T) {
	env := newTestEnv(t, geo.Noop{})
	_, err := env.store.Verify(context.Background(), uuid.New(), true)
	assert.True(t, domain.IsNotFound(err))
}
