package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veil-labs/veil/internal/application/alert"
	"github.com/veil-labs/veil/internal/application/lifecycle/lifecycletest"
	"github.com/veil-labs/veil/internal/domain/subscription"
	vo "github.com/veil-labs/veil/internal/domain/subscription/valueobjects"
	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/shared/biztime"
)

func advanceClock(t *testing.T, d time.Duration) {
	t.Helper()
	base := time.Now()
	restore := biztime.SetNowFunc(func() time.Time { return base.Add(d) })
	t.Cleanup(restore)
}

func TestExpireDue_RevokesAndMarksExpired(t *testing.T) {
	adapter := lifecycletest.NewAdapter(vpn.ProtocolVLESS)
	f := newFixture(t, adapter)
	srv := f.addServer(t, "ams1", 10, vpn.ProtocolVLESS)

	sub, err := f.svc.HandlePaymentSettled(context.Background(), testIntent("pi_1", vpn.ProtocolVLESS))
	require.NoError(t, err)

	// Not yet due.
	n, err := f.svc.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	advanceClock(t, 31*24*time.Hour)

	n, err = f.svc.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reloaded, err := f.subs.GetBySID(context.Background(), sub.SID())
	require.NoError(t, err)
	assert.Equal(t, vo.StatusExpired, reloaded.Status())
	require.NotNil(t, reloaded.StatusReason())
	assert.Equal(t, ReasonExpired, *reloaded.StatusReason())

	cred, err := f.creds.GetLatestBySubscriptionID(context.Background(), sub.ID())
	require.NoError(t, err)
	assert.False(t, cred.IsLive())
	assert.Len(t, adapter.RevokeCalls(), 1)
	assert.Equal(t, uint(0), f.servers.Occupancy(srv.ID()))

	// A second sweep finds nothing left to do.
	n, err = f.svc.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestArchiveGraceElapsed(t *testing.T) {
	adapter := lifecycletest.NewAdapter(vpn.ProtocolVLESS)
	f := newFixture(t, adapter)
	f.addServer(t, "ams1", 10, vpn.ProtocolVLESS)

	sub, err := f.svc.HandlePaymentSettled(context.Background(), testIntent("pi_1", vpn.ProtocolVLESS))
	require.NoError(t, err)
	require.NoError(t, f.svc.AdminSuspend(context.Background(), sub.SID(), "abuse report"))

	// Inside the grace period nothing moves.
	n, err := f.svc.ArchiveGraceElapsed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	advanceClock(t, 73*time.Hour)

	n, err = f.svc.ArchiveGraceElapsed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reloaded, err := f.subs.GetBySID(context.Background(), sub.SID())
	require.NoError(t, err)
	assert.Equal(t, vo.StatusArchived, reloaded.Status())
	require.NotNil(t, reloaded.ArchivedAt())
}

func TestArchiveStalePending(t *testing.T) {
	f := newFixture(t, lifecycletest.NewAdapter(vpn.ProtocolVLESS))

	plan := testIntent("pi_1", vpn.ProtocolVLESS).Plan
	sub, err := subscription.NewSubscription("sub_stale001", 7, "pi_1", plan, false)
	require.NoError(t, err)
	require.NoError(t, f.subs.Create(context.Background(), sub))

	n, err := f.svc.ArchiveStalePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	advanceClock(t, 25*time.Hour)

	n, err = f.svc.ArchiveStalePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reloaded, err := f.subs.GetBySID(context.Background(), sub.SID())
	require.NoError(t, err)
	assert.Equal(t, vo.StatusArchived, reloaded.Status())
}

func TestFlagStuckPending(t *testing.T) {
	f := newFixture(t, lifecycletest.NewAdapter(vpn.ProtocolVLESS))

	plan := testIntent("pi_1", vpn.ProtocolVLESS).Plan
	sub, err := subscription.NewSubscription("sub_stuck001", 7, "pi_1", plan, false)
	require.NoError(t, err)
	require.NoError(t, f.subs.Create(context.Background(), sub))

	advanceClock(t, 16*time.Minute)

	n, err := f.svc.FlagStuckPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reloaded, err := f.subs.GetBySID(context.Background(), sub.SID())
	require.NoError(t, err)
	assert.Equal(t, vo.StatusPending, reloaded.Status())
	require.NotNil(t, reloaded.StatusReason())
	assert.Equal(t, ReasonProvisioningStuck, *reloaded.StatusReason())

	captured := f.alerts.Captured()
	require.Len(t, captured, 1)
	assert.Equal(t, alert.SeverityWarning, captured[0].Severity)

	// Already flagged, so the next sweep is quiet.
	n, err = f.svc.FlagStuckPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, f.alerts.Captured(), 1)
}

func TestFlagStuckPending_SkipsDistinguishableReasons(t *testing.T) {
	f := newFixture(t, lifecycletest.NewAdapter(vpn.ProtocolVLESS))

	// A failed provisioning already carries its own reason.
	_, err := f.svc.HandlePaymentSettled(context.Background(), testIntent("pi_1", vpn.ProtocolVLESS))
	require.ErrorIs(t, err, ErrNoCapacity)

	advanceClock(t, 16*time.Minute)

	n, err := f.svc.FlagStuckPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
