package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vo "github.com/veil-labs/veil/internal/domain/subscription/valueobjects"
	"github.com/veil-labs/veil/internal/domain/vpn"
)

// --- helpers ---

func gb(n int64) *int64 {
	v := n * 1024 * 1024 * 1024
	return &v
}

func newPlan(limit *int64) vo.PlanSnapshot {
	return vo.PlanSnapshot{
		PlanSID:           "plan_basic",
		Name:              "Basic",
		DurationDays:      30,
		PriceAmount:       499,
		Currency:          "USD",
		TrafficLimitBytes: limit,
		DeviceLimit:       1,
	}
}

func newPendingSubscription(t *testing.T, limit *int64) *Subscription {
	t.Helper()
	sub, err := NewSubscription("sub_test1", 10, "intent_1", newPlan(limit), false)
	require.NoError(t, err)
	require.NoError(t, sub.SetID(1))
	return sub
}

func newActiveSubscription(t *testing.T, limit *int64) *Subscription {
	t.Helper()
	sub := newPendingSubscription(t, limit)
	require.NoError(t, sub.Activate(vpn.ProtocolVLESS, 7, time.Now()))
	return sub
}

func TestNewSubscription_StartsPending(t *testing.T) {
	sub := newPendingSubscription(t, gb(10))

	assert.Equal(t, vo.StatusPending, sub.Status())
	assert.Nil(t, sub.ActiveProtocol())
	assert.Nil(t, sub.ServerID())
	assert.Nil(t, sub.ExpiresAt())
	assert.Equal(t, int64(0), sub.TrafficUsed())
}

func TestNewSubscription_Validation(t *testing.T) {
	tests := []struct {
		name     string
		sid      string
		userID   uint
		intentID string
		plan     vo.PlanSnapshot
	}{
		{"missing sid", "", 1, "intent_1", newPlan(nil)},
		{"missing user", "sub_x", 0, "intent_1", newPlan(nil)},
		{"missing intent", "sub_x", 1, "", newPlan(nil)},
		{"bad plan", "sub_x", 1, "intent_1", vo.PlanSnapshot{PlanSID: "plan_x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSubscription(tt.sid, tt.userID, tt.intentID, tt.plan, false)
			assert.Error(t, err)
		})
	}
}

func TestActivate_SetsAssignmentAndExpiry(t *testing.T) {
	sub := newPendingSubscription(t, gb(10))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, sub.Activate(vpn.ProtocolWireGuard, 3, now))

	assert.Equal(t, vo.StatusActive, sub.Status())
	require.NotNil(t, sub.ActiveProtocol())
	assert.Equal(t, vpn.ProtocolWireGuard, *sub.ActiveProtocol())
	require.NotNil(t, sub.ServerID())
	assert.Equal(t, uint(3), *sub.ServerID())
	require.NotNil(t, sub.ExpiresAt())
	assert.Equal(t, now.AddDate(0, 0, 30), *sub.ExpiresAt())
}

func TestActivate_OnlyFromPending(t *testing.T) {
	sub := newActiveSubscription(t, nil)
	err := sub.Activate(vpn.ProtocolVLESS, 1, time.Now())
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestSuspend_KeepsAssignment(t *testing.T) {
	sub := newActiveSubscription(t, gb(10))

	require.NoError(t, sub.Suspend("quota exceeded", time.Now()))

	assert.Equal(t, vo.StatusSuspended, sub.Status())
	assert.NotNil(t, sub.ActiveProtocol())
	assert.NotNil(t, sub.ServerID())
	require.NotNil(t, sub.StatusReason())
	assert.Equal(t, "quota exceeded", *sub.StatusReason())
}

func TestMarkExpired_DropsAssignment(t *testing.T) {
	sub := newActiveSubscription(t, nil)

	require.NoError(t, sub.MarkExpired(time.Now()))

	assert.Equal(t, vo.StatusExpired, sub.Status())
	assert.Nil(t, sub.ActiveProtocol())
	assert.Nil(t, sub.ServerID())
}

func TestArchive_TerminalAndImmutable(t *testing.T) {
	sub := newPendingSubscription(t, nil)
	require.NoError(t, sub.Archive(time.Now()))

	assert.Equal(t, vo.StatusArchived, sub.Status())
	assert.NotNil(t, sub.ArchivedAt())
	assert.Error(t, sub.Suspend("x", time.Now()))
	assert.Error(t, sub.Archive(time.Now()))
	assert.Error(t, sub.Activate(vpn.ProtocolVLESS, 1, time.Now()))
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from    vo.SubscriptionStatus
		to      vo.SubscriptionStatus
		allowed bool
	}{
		{vo.StatusPending, vo.StatusActive, true},
		{vo.StatusPending, vo.StatusArchived, true},
		{vo.StatusPending, vo.StatusSuspended, false},
		{vo.StatusActive, vo.StatusSuspended, true},
		{vo.StatusActive, vo.StatusExpired, true},
		{vo.StatusActive, vo.StatusArchived, false},
		{vo.StatusSuspended, vo.StatusActive, true},
		{vo.StatusSuspended, vo.StatusArchived, true},
		{vo.StatusSuspended, vo.StatusExpired, false},
		{vo.StatusExpired, vo.StatusActive, true},
		{vo.StatusExpired, vo.StatusArchived, true},
		{vo.StatusArchived, vo.StatusActive, false},
		{vo.StatusArchived, vo.StatusArchived, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestRenewActivate_ResetsCounters(t *testing.T) {
	sub := newActiveSubscription(t, gb(1))

	crossed, err := sub.AddUsage(2 * 1024 * 1024 * 1024)
	require.NoError(t, err)
	require.True(t, crossed)
	require.NoError(t, sub.Suspend("quota exceeded", time.Now()))

	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, sub.RenewActivate(vpn.ProtocolVLESS, 9, now))

	assert.Equal(t, vo.StatusActive, sub.Status())
	assert.Equal(t, int64(0), sub.TrafficUsed())
	assert.False(t, sub.QuotaSignaled())
	require.NotNil(t, sub.ExpiresAt())
	assert.Equal(t, now.AddDate(0, 0, 30), *sub.ExpiresAt())
}

func TestAddUsage_MonotonicAndEdgeTriggered(t *testing.T) {
	sub := newActiveSubscription(t, gb(10))

	const gib = int64(1024 * 1024 * 1024)

	// 9.5 GiB: below limit, no signal
	crossed, err := sub.AddUsage(9*gib + gib/2)
	require.NoError(t, err)
	assert.False(t, crossed)

	// +1 GiB crosses the 10 GiB limit: exactly one signal
	crossed, err = sub.AddUsage(gib)
	require.NoError(t, err)
	assert.True(t, crossed)
	assert.True(t, sub.QuotaSignaled())

	// further usage past the limit never re-signals
	crossed, err = sub.AddUsage(gib)
	require.NoError(t, err)
	assert.False(t, crossed)

	// negative deltas are rejected, counter never decreases
	before := sub.TrafficUsed()
	_, err = sub.AddUsage(-1)
	assert.Error(t, err)
	assert.Equal(t, before, sub.TrafficUsed())
}

func TestAddUsage_UnlimitedNeverSignals(t *testing.T) {
	sub := newActiveSubscription(t, nil)

	crossed, err := sub.AddUsage(1 << 40)
	require.NoError(t, err)
	assert.False(t, crossed)
	assert.False(t, sub.QuotaSignaled())
}

func TestMigrateProtocol(t *testing.T) {
	sub := newActiveSubscription(t, nil)

	require.NoError(t, sub.MigrateProtocol(vpn.ProtocolIKEv2, 12, time.Now()))
	assert.Equal(t, vo.StatusActive, sub.Status())
	assert.Equal(t, vpn.ProtocolIKEv2, *sub.ActiveProtocol())
	assert.Equal(t, uint(12), *sub.ServerID())

	require.NoError(t, sub.MarkExpired(time.Now()))
	err := sub.MigrateProtocol(vpn.ProtocolVLESS, 1, time.Now())
	assert.ErrorIs(t, err, ErrMigrationNotAllowed)
}

func TestGraceAndStuckChecks(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	sub := newActiveSubscription(t, nil)
	require.NoError(t, sub.Suspend("admin", now))

	assert.False(t, sub.IsGraceElapsed(72*time.Hour, now.Add(24*time.Hour)))
	assert.True(t, sub.IsGraceElapsed(72*time.Hour, now.Add(73*time.Hour)))

	pending := newPendingSubscription(t, nil)
	assert.False(t, pending.IsPendingStuck(15*time.Minute, pending.CreatedAt().Add(10*time.Minute)))
	assert.True(t, pending.IsPendingStuck(15*time.Minute, pending.CreatedAt().Add(16*time.Minute)))
}

func TestReconstruct_EnforcesAssignmentInvariant(t *testing.T) {
	proto := vpn.ProtocolVLESS
	srv := uint(2)
	now := time.Now().UTC()

	base := ReconstructParams{
		ID:              1,
		SID:             "sub_r1",
		UserID:          1,
		IntentID:        "intent_r1",
		Plan:            newPlan(nil),
		StatusChangedAt: now,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// active without assignment is corrupt
	p := base
	p.Status = vo.StatusActive
	_, err := Reconstruct(p)
	assert.Error(t, err)

	// pending with assignment is corrupt
	p = base
	p.Status = vo.StatusPending
	p.ActiveProtocol = &proto
	p.ServerID = &srv
	_, err = Reconstruct(p)
	assert.Error(t, err)

	// active with assignment round-trips
	p = base
	p.Status = vo.StatusActive
	p.ActiveProtocol = &proto
	p.ServerID = &srv
	sub, err := Reconstruct(p)
	require.NoError(t, err)
	assert.Equal(t, vo.StatusActive, sub.Status())
}
