package lifecycle

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veil-labs/veil/internal/application/alert"
	"github.com/veil-labs/veil/internal/application/lifecycle/lifecycletest"
	"github.com/veil-labs/veil/internal/domain/server"
	vo "github.com/veil-labs/veil/internal/domain/subscription/valueobjects"
	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/shared/biztime"
	"github.com/veil-labs/veil/internal/shared/keymutex"
	"github.com/veil-labs/veil/internal/shared/logger"
)

type fixture struct {
	subs    *lifecycletest.SubscriptionRepo
	hist    *lifecycletest.HistoryRepo
	creds   *lifecycletest.CredentialRepo
	servers *lifecycletest.ServerRepo
	alerts  *lifecycletest.Notifier
	svc     *Service
}

func newFixture(t *testing.T, adapters ...vpn.Adapter) *fixture {
	t.Helper()

	registry := vpn.NewRegistry()
	for _, a := range adapters {
		require.NoError(t, registry.Register(a))
	}

	f := &fixture{
		subs:    lifecycletest.NewSubscriptionRepo(),
		hist:    lifecycletest.NewHistoryRepo(),
		creds:   lifecycletest.NewCredentialRepo(),
		servers: lifecycletest.NewServerRepo(),
		alerts:  lifecycletest.NewNotifier(),
	}

	lcCfg, adCfg, rcCfg := lifecycletest.Configs()
	log := logger.NewLogger()
	f.svc = NewService(
		f.subs, f.hist, f.creds, f.servers,
		registry, NewSelector(f.servers, log), keymutex.New(), f.alerts,
		lcCfg, adCfg, rcCfg, log,
	)
	return f
}

func (f *fixture) addServer(t *testing.T, name string, maxUsers uint, protocols ...vpn.Protocol) *server.Server {
	t.Helper()
	panels := make(map[vpn.Protocol]server.PanelSettings, len(protocols))
	for _, p := range protocols {
		panels[p] = server.PanelSettings{BaseURL: "https://" + name + ".example.net:2053"}
	}
	srv, err := server.NewServer("srv_"+name, name, "NL", "Amsterdam", name+".example.net", protocols, panels, maxUsers)
	require.NoError(t, err)
	require.NoError(t, f.servers.Create(context.Background(), srv))
	return srv
}

func testIntent(intentID string, protocol vpn.Protocol) PaymentIntent {
	limit := int64(10 << 30)
	return PaymentIntent{
		IntentID:  intentID,
		UserID:    7,
		Protocol:  protocol,
		AutoRenew: true,
		Amount:    999,
		Currency:  "USD",
		Plan: vo.PlanSnapshot{
			PlanSID:           "plan_basic",
			Name:              "Basic",
			DurationDays:      30,
			PriceAmount:       999,
			Currency:          "USD",
			TrafficLimitBytes: &limit,
			DeviceLimit:       3,
		},
	}
}

func TestHandlePaymentSettled_ActivatesPending(t *testing.T) {
	adapter := lifecycletest.NewAdapter(vpn.ProtocolVLESS)
	f := newFixture(t, adapter)
	srv := f.addServer(t, "ams1", 10, vpn.ProtocolVLESS)

	sub, err := f.svc.HandlePaymentSettled(context.Background(), testIntent("pi_1", vpn.ProtocolVLESS))
	require.NoError(t, err)
	require.NotNil(t, sub)

	assert.Equal(t, vo.StatusActive, sub.Status())
	require.NotNil(t, sub.ActiveProtocol())
	assert.Equal(t, vpn.ProtocolVLESS, *sub.ActiveProtocol())
	require.NotNil(t, sub.ServerID())
	assert.Equal(t, srv.ID(), *sub.ServerID())
	require.NotNil(t, sub.ExpiresAt())
	assert.Nil(t, sub.StatusReason())

	cred, err := f.creds.GetLiveBySubscriptionID(context.Background(), sub.ID())
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, srv.ID(), cred.ServerID())

	calls := adapter.ProvisionCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, fmt.Sprintf("%s:%s", sub.SID(), vpn.ProtocolVLESS), calls[0].IdempotencyKey)

	assert.Equal(t, uint(1), f.servers.Occupancy(srv.ID()))

	recs, err := f.hist.ListBySubscription(context.Background(), sub.ID(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, vo.StatusPending, recs[0].FromStatus)
	assert.Equal(t, vo.StatusActive, recs[0].ToStatus)
	assert.Equal(t, EventPaymentSettled, recs[0].Event)
}

func TestHandlePaymentSettled_DuplicateDeliveryIsIdempotent(t *testing.T) {
	adapter := lifecycletest.NewAdapter(vpn.ProtocolVLESS)
	f := newFixture(t, adapter)
	f.addServer(t, "ams1", 10, vpn.ProtocolVLESS)

	first, err := f.svc.HandlePaymentSettled(context.Background(), testIntent("pi_1", vpn.ProtocolVLESS))
	require.NoError(t, err)
	second, err := f.svc.HandlePaymentSettled(context.Background(), testIntent("pi_1", vpn.ProtocolVLESS))
	require.NoError(t, err)

	assert.Equal(t, first.SID(), second.SID())
	assert.Len(t, adapter.ProvisionCalls(), 1)
	assert.Len(t, f.creds.All(), 1)
}

func TestHandlePaymentSettled_RejectedReselectsServer(t *testing.T) {
	adapter := lifecycletest.NewAdapter(vpn.ProtocolVLESS)
	f := newFixture(t, adapter)
	bad := f.addServer(t, "ams1", 10, vpn.ProtocolVLESS)
	good := f.addServer(t, "ams2", 10, vpn.ProtocolVLESS)

	adapter.ProvisionFn = func(target vpn.ServerTarget, identity vpn.SubscriberIdentity) (*vpn.ProvisionResult, error) {
		if target.Address == bad.Address() {
			return nil, vpn.NewRejected(vpn.ProtocolVLESS, "provision", fmt.Errorf("inbound missing"))
		}
		return &vpn.ProvisionResult{
			ClientID:         identity.IdempotencyKey,
			ConfigPayload:    map[string]any{"uuid": identity.ClientUUID},
			ConnectionString: "vless://" + identity.ClientUUID + "@" + target.Address,
		}, nil
	}

	sub, err := f.svc.HandlePaymentSettled(context.Background(), testIntent("pi_1", vpn.ProtocolVLESS))
	require.NoError(t, err)

	assert.Equal(t, vo.StatusActive, sub.Status())
	require.NotNil(t, sub.ServerID())
	assert.Equal(t, good.ID(), *sub.ServerID())

	// The rejected server's slot must have been handed back.
	assert.Equal(t, uint(0), f.servers.Occupancy(bad.ID()))
	assert.Equal(t, uint(1), f.servers.Occupancy(good.ID()))
}

func TestHandlePaymentSettled_RetriesUnavailablePanel(t *testing.T) {
	adapter := lifecycletest.NewAdapter(vpn.ProtocolVLESS)
	f := newFixture(t, adapter)
	f.addServer(t, "ams1", 10, vpn.ProtocolVLESS)

	var calls int
	adapter.ProvisionFn = func(target vpn.ServerTarget, identity vpn.SubscriberIdentity) (*vpn.ProvisionResult, error) {
		calls++
		if calls == 1 {
			return nil, vpn.NewUnavailable(vpn.ProtocolVLESS, "provision", fmt.Errorf("connect timeout"))
		}
		return &vpn.ProvisionResult{
			ClientID:         identity.IdempotencyKey,
			ConfigPayload:    map[string]any{"uuid": identity.ClientUUID},
			ConnectionString: "vless://" + identity.ClientUUID + "@" + target.Address,
		}, nil
	}

	sub, err := f.svc.HandlePaymentSettled(context.Background(), testIntent("pi_1", vpn.ProtocolVLESS))
	require.NoError(t, err)
	assert.Equal(t, vo.StatusActive, sub.Status())
	assert.Equal(t, 2, calls)
}

func TestHandlePaymentSettled_NoCapacityLeavesPending(t *testing.T) {
	adapter := lifecycletest.NewAdapter(vpn.ProtocolVLESS)
	f := newFixture(t, adapter)

	sub, err := f.svc.HandlePaymentSettled(context.Background(), testIntent("pi_1", vpn.ProtocolVLESS))
	require.ErrorIs(t, err, ErrNoCapacity)
	require.NotNil(t, sub)

	assert.Equal(t, vo.StatusPending, sub.Status())
	require.NotNil(t, sub.StatusReason())
	assert.Equal(t, ReasonNoCapacity, *sub.StatusReason())

	captured := f.alerts.Captured()
	require.Len(t, captured, 1)
	assert.Equal(t, alert.SeverityWarning, captured[0].Severity)
}

func TestHandlePaymentSettled_AuthFailureIsFatal(t *testing.T) {
	adapter := lifecycletest.NewAdapter(vpn.ProtocolVLESS)
	f := newFixture(t, adapter)
	srv := f.addServer(t, "ams1", 10, vpn.ProtocolVLESS)
	f.addServer(t, "ams2", 10, vpn.ProtocolVLESS)

	adapter.ProvisionFn = func(target vpn.ServerTarget, identity vpn.SubscriberIdentity) (*vpn.ProvisionResult, error) {
		return nil, vpn.NewAuthFailed(vpn.ProtocolVLESS, "provision", fmt.Errorf("bad credentials"))
	}

	sub, err := f.svc.HandlePaymentSettled(context.Background(), testIntent("pi_1", vpn.ProtocolVLESS))
	require.Error(t, err)
	assert.True(t, vpn.IsAuthFailed(err))

	// Fatal, so no reselection onto the second server.
	assert.Len(t, adapter.ProvisionCalls(), 1)
	assert.Equal(t, vo.StatusPending, sub.Status())
	require.NotNil(t, sub.StatusReason())
	assert.Equal(t, ReasonPanelAuthFailed, *sub.StatusReason())
	assert.Equal(t, uint(0), f.servers.Occupancy(srv.ID()))

	captured := f.alerts.Captured()
	require.Len(t, captured, 1)
	assert.Equal(t, alert.SeverityCritical, captured[0].Severity)
}

func TestHandlePaymentSettled_RenewalResetsCounters(t *testing.T) {
	adapter := lifecycletest.NewAdapter(vpn.ProtocolVLESS)
	f := newFixture(t, adapter)
	f.addServer(t, "ams1", 10, vpn.ProtocolVLESS)

	sub, err := f.svc.HandlePaymentSettled(context.Background(), testIntent("pi_1", vpn.ProtocolVLESS))
	require.NoError(t, err)

	// Let the billing period lapse and the expiry sweep run.
	restore := biztime.SetNowFunc(func() time.Time { return time.Now().Add(31 * 24 * time.Hour) })
	defer restore()

	expired, err := f.svc.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	reloaded, err := f.subs.GetBySID(context.Background(), sub.SID())
	require.NoError(t, err)
	assert.Equal(t, vo.StatusExpired, reloaded.Status())
	assert.Len(t, adapter.RevokeCalls(), 1)

	// A settled renewal against the same intent reactivates with a
	// fresh credential and a fresh billing period.
	renewed, err := f.svc.HandlePaymentSettled(context.Background(), testIntent("pi_1", vpn.ProtocolVLESS))
	require.NoError(t, err)
	assert.Equal(t, sub.SID(), renewed.SID())
	assert.Equal(t, vo.StatusActive, renewed.Status())
	assert.Equal(t, int64(0), renewed.TrafficUsed())
	assert.Len(t, adapter.ProvisionCalls(), 2)

	cred, err := f.creds.GetLiveBySubscriptionID(context.Background(), renewed.ID())
	require.NoError(t, err)
	require.NotNil(t, cred)
}

func TestHandlePaymentFailed_ArchivesPending(t *testing.T) {
	adapter := lifecycletest.NewAdapter(vpn.ProtocolVLESS)
	f := newFixture(t, adapter)

	// No servers, so the settle leaves the subscription pending.
	sub, err := f.svc.HandlePaymentSettled(context.Background(), testIntent("pi_1", vpn.ProtocolVLESS))
	require.ErrorIs(t, err, ErrNoCapacity)

	require.NoError(t, f.svc.HandlePaymentFailed(context.Background(), "pi_1", "card declined"))

	reloaded, err := f.subs.GetBySID(context.Background(), sub.SID())
	require.NoError(t, err)
	assert.Equal(t, vo.StatusArchived, reloaded.Status())
	require.NotNil(t, reloaded.StatusReason())
	assert.Equal(t, ReasonPaymentFailed, *reloaded.StatusReason())
}

func TestHandlePaymentFailed_IgnoredWhenActive(t *testing.T) {
	adapter := lifecycletest.NewAdapter(vpn.ProtocolVLESS)
	f := newFixture(t, adapter)
	f.addServer(t, "ams1", 10, vpn.ProtocolVLESS)

	sub, err := f.svc.HandlePaymentSettled(context.Background(), testIntent("pi_1", vpn.ProtocolVLESS))
	require.NoError(t, err)

	// Settle and failure racing out of order: the last valid event wins.
	require.NoError(t, f.svc.HandlePaymentFailed(context.Background(), "pi_1", "late failure"))

	reloaded, err := f.subs.GetBySID(context.Background(), sub.SID())
	require.NoError(t, err)
	assert.Equal(t, vo.StatusActive, reloaded.Status())
}

func TestAdminSuspend_CommitsBeforeRemoteRevoke(t *testing.T) {
	adapter := lifecycletest.NewAdapter(vpn.ProtocolVLESS)
	f := newFixture(t, adapter)
	srv := f.addServer(t, "ams1", 10, vpn.ProtocolVLESS)

	sub, err := f.svc.HandlePaymentSettled(context.Background(), testIntent("pi_1", vpn.ProtocolVLESS))
	require.NoError(t, err)

	var statusAtRevoke vo.SubscriptionStatus
	adapter.RevokeFn = func(target vpn.ServerTarget, clientID string) error {
		stored, _ := f.subs.GetBySID(context.Background(), sub.SID())
		statusAtRevoke = stored.Status()
		return nil
	}

	require.NoError(t, f.svc.AdminSuspend(context.Background(), sub.SID(), "abuse report"))

	// The ledger must already say suspended when the panel call goes out.
	assert.Equal(t, vo.StatusSuspended, statusAtRevoke)

	cred, err := f.creds.GetLatestBySubscriptionID(context.Background(), sub.ID())
	require.NoError(t, err)
	assert.False(t, cred.IsLive())
	assert.Equal(t, uint(0), f.servers.Occupancy(srv.ID()))
}

func TestAdminSuspend_RemoteFailureDoesNotBlockSuspension(t *testing.T) {
	adapter := lifecycletest.NewAdapter(vpn.ProtocolVLESS)
	f := newFixture(t, adapter)
	f.addServer(t, "ams1", 10, vpn.ProtocolVLESS)

	sub, err := f.svc.HandlePaymentSettled(context.Background(), testIntent("pi_1", vpn.ProtocolVLESS))
	require.NoError(t, err)

	adapter.RevokeFn = func(target vpn.ServerTarget, clientID string) error {
		return vpn.NewUnavailable(vpn.ProtocolVLESS, "revoke", fmt.Errorf("panel down"))
	}

	require.NoError(t, f.svc.AdminSuspend(context.Background(), sub.SID(), "abuse report"))

	reloaded, err := f.subs.GetBySID(context.Background(), sub.SID())
	require.NoError(t, err)
	assert.Equal(t, vo.StatusSuspended, reloaded.Status())

	cred, err := f.creds.GetLatestBySubscriptionID(context.Background(), sub.ID())
	require.NoError(t, err)
	assert.False(t, cred.IsLive())
}

func TestAdminReinstate_ProvisionsFreshCredential(t *testing.T) {
	adapter := lifecycletest.NewAdapter(vpn.ProtocolVLESS)
	f := newFixture(t, adapter)
	f.addServer(t, "ams1", 10, vpn.ProtocolVLESS)

	sub, err := f.svc.HandlePaymentSettled(context.Background(), testIntent("pi_1", vpn.ProtocolVLESS))
	require.NoError(t, err)
	require.NoError(t, f.svc.AdminSuspend(context.Background(), sub.SID(), "abuse report"))

	require.NoError(t, f.svc.AdminReinstate(context.Background(), sub.SID()))

	reloaded, err := f.subs.GetBySID(context.Background(), sub.SID())
	require.NoError(t, err)
	assert.Equal(t, vo.StatusActive, reloaded.Status())

	cred, err := f.creds.GetLiveBySubscriptionID(context.Background(), sub.ID())
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Len(t, adapter.ProvisionCalls(), 2)
}

func TestMigrateProtocol_RevokesOldBeforeProvisioningNew(t *testing.T) {
	vless := lifecycletest.NewAdapter(vpn.ProtocolVLESS)
	wg := lifecycletest.NewAdapter(vpn.ProtocolWireGuard)
	f := newFixture(t, vless, wg)
	f.addServer(t, "ams1", 10, vpn.ProtocolVLESS, vpn.ProtocolWireGuard)

	sub, err := f.svc.HandlePaymentSettled(context.Background(), testIntent("pi_1", vpn.ProtocolVLESS))
	require.NoError(t, err)

	var mu sync.Mutex
	var ops []string
	vless.RevokeFn = func(target vpn.ServerTarget, clientID string) error {
		mu.Lock()
		ops = append(ops, "revoke-vless")
		mu.Unlock()
		return nil
	}
	wg.ProvisionFn = func(target vpn.ServerTarget, identity vpn.SubscriberIdentity) (*vpn.ProvisionResult, error) {
		mu.Lock()
		ops = append(ops, "provision-wireguard")
		mu.Unlock()
		return &vpn.ProvisionResult{
			ClientID:         identity.IdempotencyKey,
			ConfigPayload:    map[string]any{"uuid": identity.ClientUUID},
			ConnectionString: "wireguard://" + identity.ClientUUID + "@" + target.Address,
		}, nil
	}

	require.NoError(t, f.svc.MigrateProtocol(context.Background(), sub.SID(), vpn.ProtocolWireGuard))

	require.Equal(t, []string{"revoke-vless", "provision-wireguard"}, ops)

	reloaded, err := f.subs.GetBySID(context.Background(), sub.SID())
	require.NoError(t, err)
	assert.Equal(t, vo.StatusActive, reloaded.Status())
	require.NotNil(t, reloaded.ActiveProtocol())
	assert.Equal(t, vpn.ProtocolWireGuard, *reloaded.ActiveProtocol())

	cred, err := f.creds.GetLiveBySubscriptionID(context.Background(), sub.ID())
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, vpn.ProtocolWireGuard, cred.Protocol())
}

func TestMigrateProtocol_SameProtocolIsNoOp(t *testing.T) {
	adapter := lifecycletest.NewAdapter(vpn.ProtocolVLESS)
	f := newFixture(t, adapter)
	f.addServer(t, "ams1", 10, vpn.ProtocolVLESS)

	sub, err := f.svc.HandlePaymentSettled(context.Background(), testIntent("pi_1", vpn.ProtocolVLESS))
	require.NoError(t, err)

	require.NoError(t, f.svc.MigrateProtocol(context.Background(), sub.SID(), vpn.ProtocolVLESS))

	assert.Len(t, adapter.ProvisionCalls(), 1)
	assert.Empty(t, adapter.RevokeCalls())
}

func TestHandlePaymentSettled_ConcurrentLastSlot(t *testing.T) {
	adapter := lifecycletest.NewAdapter(vpn.ProtocolVLESS)
	f := newFixture(t, adapter)
	srv := f.addServer(t, "ams1", 1, vpn.ProtocolVLESS)

	var wgr sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wgr.Add(1)
		go func(i int) {
			defer wgr.Done()
			_, errs[i] = f.svc.HandlePaymentSettled(context.Background(),
				testIntent(fmt.Sprintf("pi_%d", i), vpn.ProtocolVLESS))
		}(i)
	}
	wgr.Wait()

	var succeeded, failed int
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, ErrNoCapacity)
			failed++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, failed)
	assert.Equal(t, uint(1), f.servers.Occupancy(srv.ID()))
	assert.Len(t, f.creds.All(), 1)
}

func TestSelector_PrefersLowestLoad(t *testing.T) {
	adapter := lifecycletest.NewAdapter(vpn.ProtocolVLESS)
	f := newFixture(t, adapter)
	busy := f.addServer(t, "ams1", 10, vpn.ProtocolVLESS)
	idle := f.addServer(t, "ams2", 10, vpn.ProtocolVLESS)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.servers.AcquireSlot(context.Background(), busy.ID()))
	}

	selector := NewSelector(f.servers, logger.NewLogger())
	picked, err := selector.Select(context.Background(), vpn.ProtocolVLESS, nil)
	require.NoError(t, err)
	assert.Equal(t, idle.ID(), picked.ID())
}

func TestSelector_TieBreaksByID(t *testing.T) {
	f := newFixture(t, lifecycletest.NewAdapter(vpn.ProtocolVLESS))
	first := f.addServer(t, "ams1", 10, vpn.ProtocolVLESS)
	f.addServer(t, "ams2", 10, vpn.ProtocolVLESS)

	selector := NewSelector(f.servers, logger.NewLogger())
	picked, err := selector.Select(context.Background(), vpn.ProtocolVLESS, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), picked.ID())
}

func TestSelector_SkipsMaintenanceAndUnhealthy(t *testing.T) {
	f := newFixture(t, lifecycletest.NewAdapter(vpn.ProtocolVLESS))
	down := f.addServer(t, "ams1", 10, vpn.ProtocolVLESS)
	closed := f.addServer(t, "ams2", 10, vpn.ProtocolVLESS)
	open := f.addServer(t, "ams3", 10, vpn.ProtocolVLESS)

	require.NoError(t, down.MarkHealth(server.HealthUnreachable, time.Now()))
	require.NoError(t, f.servers.Update(context.Background(), down))
	closed.SetMaintenance(true)
	require.NoError(t, f.servers.Update(context.Background(), closed))

	selector := NewSelector(f.servers, logger.NewLogger())
	picked, err := selector.Select(context.Background(), vpn.ProtocolVLESS, nil)
	require.NoError(t, err)
	assert.Equal(t, open.ID(), picked.ID())
}

func TestPaymentEvents_InterleavingsConverge(t *testing.T) {
	// One settled and several failed deliveries for the same intent,
	// racing in arbitrary order. A failure landing after activation is
	// not a valid transition, so whatever the interleaving the intent
	// ends active with exactly one credential.
	for seed := 0; seed < 20; seed++ {
		seed := seed
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			adapter := lifecycletest.NewAdapter(vpn.ProtocolVLESS)
			f := newFixture(t, adapter)
			f.addServer(t, "ams1", 10, vpn.ProtocolVLESS)

			rng := rand.New(rand.NewSource(int64(seed)))
			events := []func(){
				func() {
					_, err := f.svc.HandlePaymentSettled(context.Background(), testIntent("pi_1", vpn.ProtocolVLESS))
					assert.NoError(t, err)
				},
			}
			for i := 0; i < 3; i++ {
				events = append(events, func() {
					assert.NoError(t, f.svc.HandlePaymentFailed(context.Background(), "pi_1", "card declined"))
				})
			}
			rng.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })

			var wg sync.WaitGroup
			for _, ev := range events {
				wg.Add(1)
				go func(run func()) {
					defer wg.Done()
					run()
				}(ev)
			}
			wg.Wait()

			sub, err := f.subs.GetByIntentID(context.Background(), "pi_1")
			require.NoError(t, err)
			require.NotNil(t, sub)
			assert.Equal(t, vo.StatusActive, sub.Status())
			assert.Len(t, adapter.ProvisionCalls(), 1)
			assert.Len(t, f.creds.All(), 1)
		})
	}
}

func TestHandlePaymentSettled_RenewalExcludesConcurrentMigration(t *testing.T) {
	vless := lifecycletest.NewAdapter(vpn.ProtocolVLESS)
	wg := lifecycletest.NewAdapter(vpn.ProtocolWireGuard)
	f := newFixture(t, vless, wg)
	f.addServer(t, "ams1", 10, vpn.ProtocolVLESS, vpn.ProtocolWireGuard)

	sub, err := f.svc.HandlePaymentSettled(context.Background(), testIntent("pi_1", vpn.ProtocolVLESS))
	require.NoError(t, err)
	require.NoError(t, f.svc.AdminSuspend(context.Background(), sub.SID(), "payment dispute"))

	// Park the renewal inside the adapter call while it holds the
	// subscription lock.
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	vless.ProvisionFn = func(target vpn.ServerTarget, identity vpn.SubscriberIdentity) (*vpn.ProvisionResult, error) {
		once.Do(func() { close(entered) })
		<-release
		return &vpn.ProvisionResult{
			ClientID:         identity.IdempotencyKey,
			ConfigPayload:    map[string]any{"uuid": identity.ClientUUID},
			ConnectionString: "vless://" + identity.ClientUUID + "@" + target.Address,
		}, nil
	}

	renewalDone := make(chan error, 1)
	go func() {
		_, err := f.svc.HandlePaymentSettled(context.Background(), testIntent("pi_1", vpn.ProtocolVLESS))
		renewalDone <- err
	}()
	<-entered

	migrationDone := make(chan error, 1)
	go func() {
		migrationDone <- f.svc.MigrateProtocol(context.Background(), sub.SID(), vpn.ProtocolWireGuard)
	}()

	// The migration must wait for the in-flight renewal, not run past it.
	select {
	case err := <-migrationDone:
		t.Fatalf("migration completed while a renewal held the subscription: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-renewalDone)
	require.NoError(t, <-migrationDone)

	// The migration committed last, so it is what remains.
	reloaded, err := f.subs.GetBySID(context.Background(), sub.SID())
	require.NoError(t, err)
	assert.Equal(t, vo.StatusActive, reloaded.Status())
	require.NotNil(t, reloaded.ActiveProtocol())
	assert.Equal(t, vpn.ProtocolWireGuard, *reloaded.ActiveProtocol())

	cred, err := f.creds.GetLiveBySubscriptionID(context.Background(), sub.ID())
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, vpn.ProtocolWireGuard, cred.Protocol())
}
