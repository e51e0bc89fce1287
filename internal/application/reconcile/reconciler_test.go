package reconcile

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veil-labs/veil/internal/application/alert"
	"github.com/veil-labs/veil/internal/application/lifecycle"
	"github.com/veil-labs/veil/internal/application/lifecycle/lifecycletest"
	"github.com/veil-labs/veil/internal/domain/server"
	vo "github.com/veil-labs/veil/internal/domain/subscription/valueobjects"
	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/shared/biztime"
	"github.com/veil-labs/veil/internal/shared/keymutex"
	"github.com/veil-labs/veil/internal/shared/logger"
)

type fixture struct {
	subs       *lifecycletest.SubscriptionRepo
	creds      *lifecycletest.CredentialRepo
	servers    *lifecycletest.ServerRepo
	alerts     *lifecycletest.Notifier
	adapter    *lifecycletest.Adapter
	svc        *lifecycle.Service
	reconciler *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	adapter := lifecycletest.NewAdapter(vpn.ProtocolVLESS)
	registry := vpn.NewRegistry()
	require.NoError(t, registry.Register(adapter))

	f := &fixture{
		subs:    lifecycletest.NewSubscriptionRepo(),
		creds:   lifecycletest.NewCredentialRepo(),
		servers: lifecycletest.NewServerRepo(),
		alerts:  lifecycletest.NewNotifier(),
		adapter: adapter,
	}

	lcCfg, adCfg, rcCfg := lifecycletest.Configs()
	log := logger.NewLogger()
	f.svc = lifecycle.NewService(
		f.subs, lifecycletest.NewHistoryRepo(), f.creds, f.servers,
		registry, lifecycle.NewSelector(f.servers, log), keymutex.New(), f.alerts,
		lcCfg, adCfg, rcCfg, log,
	)
	f.reconciler = NewReconciler(f.subs, f.creds, f.servers, registry, f.svc, rcCfg, adCfg, log)
	return f
}

func (f *fixture) addServer(t *testing.T, name string, maxUsers uint) *server.Server {
	t.Helper()
	panels := map[vpn.Protocol]server.PanelSettings{
		vpn.ProtocolVLESS: {BaseURL: "https://" + name + ".example.net:2053"},
	}
	srv, err := server.NewServer("srv_"+name, name, "NL", "Amsterdam", name+".example.net",
		[]vpn.Protocol{vpn.ProtocolVLESS}, panels, maxUsers)
	require.NoError(t, err)
	require.NoError(t, f.servers.Create(context.Background(), srv))
	return srv
}

func (f *fixture) activate(t *testing.T, intentID string) string {
	t.Helper()
	limit := int64(10 << 30)
	sub, err := f.svc.HandlePaymentSettled(context.Background(), lifecycle.PaymentIntent{
		IntentID: intentID,
		UserID:   7,
		Protocol: vpn.ProtocolVLESS,
		Plan: vo.PlanSnapshot{
			PlanSID:           "plan_basic",
			Name:              "Basic",
			DurationDays:      30,
			TrafficLimitBytes: &limit,
		},
	})
	require.NoError(t, err)
	return sub.SID()
}

func TestRun_RepairsMissingCredential(t *testing.T) {
	f := newFixture(t)
	srv := f.addServer(t, "ams1", 10)
	sid := f.activate(t, "pi_1")

	// Lose the credential from the local ledger.
	sub, err := f.subs.GetBySID(context.Background(), sid)
	require.NoError(t, err)
	cred, err := f.creds.GetLiveBySubscriptionID(context.Background(), sub.ID())
	require.NoError(t, err)
	cred.MarkRevoked(biztime.NowUTC())
	require.NoError(t, f.creds.Update(context.Background(), cred))
	require.NoError(t, f.servers.ReleaseSlot(context.Background(), srv.ID()))

	stats, err := f.reconciler.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scanned)
	assert.Equal(t, 1, stats.MissingCredential)
	assert.Equal(t, 0, stats.RepairsFailed)

	repaired, err := f.creds.GetLiveBySubscriptionID(context.Background(), sub.ID())
	require.NoError(t, err)
	require.NotNil(t, repaired)
	assert.Equal(t, uint(1), f.servers.Occupancy(srv.ID()))
}

func TestRun_RepairsRemoteAbsentCredential(t *testing.T) {
	f := newFixture(t)
	f.addServer(t, "ams1", 10)
	sid := f.activate(t, "pi_1")

	sub, err := f.subs.GetBySID(context.Background(), sid)
	require.NoError(t, err)
	before, err := f.creds.GetLiveBySubscriptionID(context.Background(), sub.ID())
	require.NoError(t, err)

	// The panel lost the client entry.
	absent := true
	f.adapter.UsageFn = func(target vpn.ServerTarget, clientID string) (vpn.UsageReport, error) {
		return vpn.UsageReport{Present: !absent}, nil
	}

	stats, err := f.reconciler.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RemoteAbsent)

	after, err := f.creds.GetLiveBySubscriptionID(context.Background(), sub.ID())
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.NotEqual(t, before.CID(), after.CID())
	assert.Len(t, f.adapter.ProvisionCalls(), 2)

	// With the panel consistent again the next sweep is clean.
	absent = false
	stats, err = f.reconciler.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.RemoteAbsent)
}

func TestRun_RevokesLingeringRemoteCredential(t *testing.T) {
	f := newFixture(t)
	f.addServer(t, "ams1", 10)
	sid := f.activate(t, "pi_1")

	// Suspension revoked locally, but the panel still has the client.
	require.NoError(t, f.svc.AdminSuspend(context.Background(), sid, "abuse report"))
	require.Len(t, f.adapter.RevokeCalls(), 1)

	f.adapter.UsageFn = func(target vpn.ServerTarget, clientID string) (vpn.UsageReport, error) {
		return vpn.UsageReport{Present: true}, nil
	}

	stats, err := f.reconciler.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RemoteLingering)
	assert.Len(t, f.adapter.RevokeCalls(), 2)
}

func TestRun_EscalatesAfterRepeatedRepairFailures(t *testing.T) {
	f := newFixture(t)
	f.addServer(t, "ams1", 10)
	sid := f.activate(t, "pi_1")

	sub, err := f.subs.GetBySID(context.Background(), sid)
	require.NoError(t, err)
	cred, err := f.creds.GetLiveBySubscriptionID(context.Background(), sub.ID())
	require.NoError(t, err)
	cred.MarkRevoked(biztime.NowUTC())
	require.NoError(t, f.creds.Update(context.Background(), cred))

	f.adapter.ProvisionFn = func(target vpn.ServerTarget, identity vpn.SubscriberIdentity) (*vpn.ProvisionResult, error) {
		return nil, vpn.NewUnavailable(vpn.ProtocolVLESS, "provision", fmt.Errorf("panel down"))
	}

	_, _, rcCfg := lifecycletest.Configs()
	for i := 0; i < rcCfg.MaxRepairAttempts; i++ {
		stats, err := f.reconciler.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, stats.RepairsFailed)
	}

	reloaded, err := f.subs.GetBySID(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, rcCfg.MaxRepairAttempts, reloaded.RepairAttempts())

	var exhausted int
	for _, a := range f.alerts.Captured() {
		if a.Severity == alert.SeverityCritical && a.Subject == "reconciliation repair exhausted" {
			exhausted++
		}
	}
	assert.Equal(t, 1, exhausted)

	// Past the bound the reconciler leaves the subscription alone.
	stats, err := f.reconciler.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.RepairsFailed)
}

func TestRun_EnforcesSignaledQuotaOnActiveSubscription(t *testing.T) {
	f := newFixture(t)
	f.addServer(t, "ams1", 10)
	sid := f.activate(t, "pi_1")

	// The quota crossing was persisted but the suspension never landed,
	// leaving an over-quota subscription serving traffic.
	sub, err := f.subs.GetBySID(context.Background(), sid)
	require.NoError(t, err)
	crossed, err := sub.AddUsage(11 << 30)
	require.NoError(t, err)
	require.True(t, crossed)
	require.NoError(t, f.subs.Update(context.Background(), sub))

	stats, err := f.reconciler.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.QuotaUnenforced)
	assert.Equal(t, 0, stats.RepairsFailed)

	reloaded, err := f.subs.GetBySID(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, vo.StatusSuspended, reloaded.Status())
	assert.Len(t, f.adapter.RevokeCalls(), 1)

	live, err := f.creds.GetLiveBySubscriptionID(context.Background(), reloaded.ID())
	require.NoError(t, err)
	assert.Nil(t, live)
}

type scriptedProber struct {
	status map[uint]server.HealthStatus
}

func (p *scriptedProber) Probe(ctx context.Context, srv *server.Server) server.HealthStatus {
	if st, ok := p.status[srv.ID()]; ok {
		return st
	}
	return server.HealthHealthy
}

func TestProbeServers_RecordsHealthChanges(t *testing.T) {
	f := newFixture(t)
	up := f.addServer(t, "ams1", 10)
	down := f.addServer(t, "ams2", 10)

	prober := &scriptedProber{status: map[uint]server.HealthStatus{
		down.ID(): server.HealthUnreachable,
	}}

	changed, err := f.reconciler.ProbeServers(context.Background(), prober)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	reloaded, err := f.servers.GetByID(context.Background(), down.ID())
	require.NoError(t, err)
	assert.Equal(t, server.HealthUnreachable, reloaded.Health())
	require.NotNil(t, reloaded.LastCheckedAt())

	stillUp, err := f.servers.GetByID(context.Background(), up.ID())
	require.NoError(t, err)
	assert.Equal(t, server.HealthHealthy, stillUp.Health())
}
