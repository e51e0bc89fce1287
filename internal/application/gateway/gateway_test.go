package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veil-labs/veil/internal/application/lifecycle"
	"github.com/veil-labs/veil/internal/application/lifecycle/lifecycletest"
	"github.com/veil-labs/veil/internal/domain/server"
	"github.com/veil-labs/veil/internal/domain/subscription"
	vo "github.com/veil-labs/veil/internal/domain/subscription/valueobjects"
	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/shared/biztime"
	"github.com/veil-labs/veil/internal/shared/keymutex"
	"github.com/veil-labs/veil/internal/shared/logger"
)

type memDedupe struct {
	mu      sync.Mutex
	seen    map[string]bool
	forgets int
}

func newMemDedupe() *memDedupe {
	return &memDedupe{seen: make(map[string]bool)}
}

func (d *memDedupe) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[eventID] {
		return false, nil
	}
	d.seen[eventID] = true
	return true, nil
}

func (d *memDedupe) Forget(ctx context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, eventID)
	d.forgets++
	return nil
}

type fixture struct {
	subs    *lifecycletest.SubscriptionRepo
	adapter *lifecycletest.Adapter
	dedupe  *memDedupe
	gw      *Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	adapter := lifecycletest.NewAdapter(vpn.ProtocolVLESS)
	registry := vpn.NewRegistry()
	require.NoError(t, registry.Register(adapter))

	subs := lifecycletest.NewSubscriptionRepo()
	servers := lifecycletest.NewServerRepo()

	panels := map[vpn.Protocol]server.PanelSettings{
		vpn.ProtocolVLESS: {BaseURL: "https://ams1.example.net:2053"},
	}
	srv, err := server.NewServer("srv_ams1", "ams1", "NL", "Amsterdam", "ams1.example.net",
		[]vpn.Protocol{vpn.ProtocolVLESS}, panels, 10)
	require.NoError(t, err)
	require.NoError(t, servers.Create(context.Background(), srv))

	lcCfg, adCfg, rcCfg := lifecycletest.Configs()
	log := logger.NewLogger()
	lifecycleSvc := lifecycle.NewService(
		subs, lifecycletest.NewHistoryRepo(), lifecycletest.NewCredentialRepo(), servers,
		registry, lifecycle.NewSelector(servers, log), keymutex.New(),
		lifecycletest.NewNotifier(), lcCfg, adCfg, rcCfg, log,
	)

	dedupe := newMemDedupe()
	return &fixture{
		subs:    subs,
		adapter: adapter,
		dedupe:  dedupe,
		gw:      New(lifecycleSvc, dedupe, time.Hour, log),
	}
}

func settledEvent(eventID, intentID string) Event {
	return Event{
		EventID:    eventID,
		Type:       TypePaymentSettled,
		OccurredAt: biztime.NowUTC(),
		Intent: &lifecycle.PaymentIntent{
			IntentID: intentID,
			UserID:   7,
			Protocol: vpn.ProtocolVLESS,
			Plan: vo.PlanSnapshot{
				PlanSID:      "plan_basic",
				Name:         "Basic",
				DurationDays: 30,
			},
		},
	}
}

func TestHandle_DispatchesPaymentSettled(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.gw.Handle(context.Background(), settledEvent("evt_1", "pi_1")))

	sub, err := f.subs.GetByIntentID(context.Background(), "pi_1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, vo.StatusActive, sub.Status())
	assert.Len(t, f.adapter.ProvisionCalls(), 1)
}

func TestHandle_DuplicateDeliveryIsAcknowledgedOnce(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.gw.Handle(context.Background(), settledEvent("evt_1", "pi_1")))
	require.NoError(t, f.gw.Handle(context.Background(), settledEvent("evt_1", "pi_1")))

	assert.Len(t, f.adapter.ProvisionCalls(), 1)
	assert.Equal(t, 0, f.dedupe.forgets)
}

func TestHandle_DispatchFailureAllowsRedelivery(t *testing.T) {
	f := newFixture(t)

	evt := Event{
		EventID:         "evt_1",
		Type:            TypeAdminSuspend,
		SubscriptionSID: "sub_missing",
		SuspendReason:   "abuse report",
	}
	err := f.gw.Handle(context.Background(), evt)
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
	assert.Equal(t, 1, f.dedupe.forgets)

	// After the target exists the redelivered event succeeds.
	require.NoError(t, f.gw.Handle(context.Background(), settledEvent("evt_0", "pi_1")))
	sub, err := f.subs.GetByIntentID(context.Background(), "pi_1")
	require.NoError(t, err)

	evt.SubscriptionSID = sub.SID()
	require.NoError(t, f.gw.Handle(context.Background(), evt))
	assert.Equal(t, vo.StatusSuspended, f.mustStatus(t, sub.SID()))
}

func TestHandle_RejectsInvalidEnvelopes(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		evt  Event
	}{
		{"missing event id", Event{Type: TypePaymentSettled, Intent: &lifecycle.PaymentIntent{IntentID: "pi_1"}}},
		{"unknown type", Event{EventID: "evt_1", Type: "payment.refunded"}},
		{"settled without intent", Event{EventID: "evt_1", Type: TypePaymentSettled}},
		{"suspend without sid", Event{EventID: "evt_1", Type: TypeAdminSuspend}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.gw.Handle(context.Background(), tc.evt)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
	assert.Empty(t, f.adapter.ProvisionCalls())
}

func (f *fixture) mustStatus(t *testing.T, sid string) vo.SubscriptionStatus {
	t.Helper()
	sub, err := f.subs.GetBySID(context.Background(), sid)
	require.NoError(t, err)
	return sub.Status()
}
