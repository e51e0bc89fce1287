// Package lifecycletest provides in-memory fakes for exercising the
// lifecycle engine and its satellites without a database or live
// panels.
package lifecycletest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/veil-labs/veil/internal/application/alert"
	"github.com/veil-labs/veil/internal/domain/credential"
	"github.com/veil-labs/veil/internal/domain/server"
	"github.com/veil-labs/veil/internal/domain/subscription"
	vo "github.com/veil-labs/veil/internal/domain/subscription/valueobjects"
	"github.com/veil-labs/veil/internal/domain/usage"
	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/shared/config"
)

// SubscriptionRepo is an in-memory subscription.Repository. Archived
// subscriptions stay readable by ID and SID but are excluded from the
// scans, mirroring the soft-delete semantics of the real store.
type SubscriptionRepo struct {
	mu     sync.Mutex
	nextID uint
	items  map[uint]*subscription.Subscription
}

func NewSubscriptionRepo() *SubscriptionRepo {
	return &SubscriptionRepo{items: make(map[uint]*subscription.Subscription)}
}

func (r *SubscriptionRepo) Create(ctx context.Context, sub *subscription.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	if err := sub.SetID(r.nextID); err != nil {
		return err
	}
	r.items[sub.ID()] = sub
	return nil
}

func (r *SubscriptionRepo) Update(ctx context.Context, sub *subscription.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[sub.ID()]; !ok {
		return fmt.Errorf("subscription %d not persisted", sub.ID())
	}
	r.items[sub.ID()] = sub
	return nil
}

func (r *SubscriptionRepo) GetByID(ctx context.Context, id uint) (*subscription.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[id], nil
}

func (r *SubscriptionRepo) GetBySID(ctx context.Context, sid string) (*subscription.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.items {
		if sub.SID() == sid {
			return sub, nil
		}
	}
	return nil, nil
}

func (r *SubscriptionRepo) GetByIntentID(ctx context.Context, intentID string) (*subscription.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.items {
		if sub.IntentID() == intentID && sub.Status() != vo.StatusArchived {
			return sub, nil
		}
	}
	return nil, nil
}

func (r *SubscriptionRepo) ListByStatus(ctx context.Context, statuses []vo.SubscriptionStatus, limit int) ([]*subscription.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*subscription.Subscription
	for _, sub := range r.items {
		for _, st := range statuses {
			if sub.Status() == st {
				out = append(out, sub)
				break
			}
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *SubscriptionRepo) ListExpiryDue(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*subscription.Subscription
	for _, sub := range r.items {
		if sub.IsExpiryDue(now) {
			out = append(out, sub)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *SubscriptionRepo) ListGraceElapsed(ctx context.Context, cutoff time.Time, limit int) ([]*subscription.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*subscription.Subscription
	for _, sub := range r.items {
		st := sub.Status()
		if (st == vo.StatusSuspended || st == vo.StatusExpired) && sub.StatusChangedAt().Before(cutoff) {
			out = append(out, sub)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *SubscriptionRepo) ListPendingCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*subscription.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*subscription.Subscription
	for _, sub := range r.items {
		if sub.Status() == vo.StatusPending && sub.CreatedAt().Before(cutoff) {
			out = append(out, sub)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// HistoryRepo is an in-memory subscription.HistoryRepository.
type HistoryRepo struct {
	mu      sync.Mutex
	Records []*subscription.TransitionRecord
}

func NewHistoryRepo() *HistoryRepo {
	return &HistoryRepo{}
}

func (r *HistoryRepo) Append(ctx context.Context, rec *subscription.TransitionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.ID = uint(len(r.Records) + 1)
	r.Records = append(r.Records, rec)
	return nil
}

func (r *HistoryRepo) ListBySubscription(ctx context.Context, subscriptionID uint, limit int) ([]*subscription.TransitionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*subscription.TransitionRecord
	for i := len(r.Records) - 1; i >= 0; i-- {
		if r.Records[i].SubscriptionID == subscriptionID {
			out = append(out, r.Records[i])
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CredentialRepo is an in-memory credential.Repository.
type CredentialRepo struct {
	mu     sync.Mutex
	nextID uint
	items  []*credential.Credential
}

func NewCredentialRepo() *CredentialRepo {
	return &CredentialRepo{}
}

func (r *CredentialRepo) Create(ctx context.Context, cred *credential.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	if err := cred.SetID(r.nextID); err != nil {
		return err
	}
	r.items = append(r.items, cred)
	return nil
}

func (r *CredentialRepo) Update(ctx context.Context, cred *credential.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.items {
		if existing.ID() == cred.ID() {
			r.items[i] = cred
			return nil
		}
	}
	return fmt.Errorf("credential %d not persisted", cred.ID())
}

func (r *CredentialRepo) GetByID(ctx context.Context, id uint) (*credential.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cred := range r.items {
		if cred.ID() == id {
			return cred, nil
		}
	}
	return nil, nil
}

func (r *CredentialRepo) GetByCID(ctx context.Context, cid string) (*credential.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cred := range r.items {
		if cred.CID() == cid {
			return cred, nil
		}
	}
	return nil, nil
}

func (r *CredentialRepo) GetLiveBySubscriptionID(ctx context.Context, subscriptionID uint) (*credential.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.items) - 1; i >= 0; i-- {
		cred := r.items[i]
		if cred.SubscriptionID() == subscriptionID && cred.IsLive() {
			return cred, nil
		}
	}
	return nil, nil
}

func (r *CredentialRepo) GetLatestBySubscriptionID(ctx context.Context, subscriptionID uint) (*credential.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.items) - 1; i >= 0; i-- {
		if r.items[i].SubscriptionID() == subscriptionID {
			return r.items[i], nil
		}
	}
	return nil, nil
}

func (r *CredentialRepo) CountLiveByServer(ctx context.Context, serverID uint) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, cred := range r.items {
		if cred.ServerID() == serverID && cred.IsLive() {
			n++
		}
	}
	return n, nil
}

// All returns every stored credential, oldest first.
func (r *CredentialRepo) All() []*credential.Credential {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*credential.Credential, len(r.items))
	copy(out, r.items)
	return out
}

// ServerRepo is an in-memory server.Repository. Slot occupancy is
// tracked separately from the aggregates, the way the real store keeps
// current_users out of optimistic updates.
type ServerRepo struct {
	mu      sync.Mutex
	nextID  uint
	items   map[uint]*server.Server
	current map[uint]uint
}

func NewServerRepo() *ServerRepo {
	return &ServerRepo{
		items:   make(map[uint]*server.Server),
		current: make(map[uint]uint),
	}
}

func (r *ServerRepo) Create(ctx context.Context, srv *server.Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	if err := srv.SetID(r.nextID); err != nil {
		return err
	}
	r.items[srv.ID()] = srv
	r.current[srv.ID()] = srv.CurrentUsers()
	return nil
}

func (r *ServerRepo) Update(ctx context.Context, srv *server.Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[srv.ID()]; !ok {
		return server.ErrServerNotFound
	}
	r.items[srv.ID()] = srv
	return nil
}

func (r *ServerRepo) GetByID(ctx context.Context, id uint) (*server.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	srv, ok := r.items[id]
	if !ok {
		return nil, server.ErrServerNotFound
	}
	return r.withOccupancy(srv)
}

func (r *ServerRepo) GetBySID(ctx context.Context, sid string) (*server.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, srv := range r.items {
		if srv.SID() == sid {
			return r.withOccupancy(srv)
		}
	}
	return nil, server.ErrServerNotFound
}

func (r *ServerRepo) List(ctx context.Context) ([]*server.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*server.Server, 0, len(r.items))
	for _, srv := range r.items {
		rebuilt, err := r.withOccupancy(srv)
		if err != nil {
			return nil, err
		}
		out = append(out, rebuilt)
	}
	return out, nil
}

func (r *ServerRepo) ListCandidates(ctx context.Context, protocol vpn.Protocol) ([]*server.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*server.Server
	for _, srv := range r.items {
		if srv.Supports(protocol) {
			rebuilt, err := r.withOccupancy(srv)
			if err != nil {
				return nil, err
			}
			out = append(out, rebuilt)
		}
	}
	return out, nil
}

func (r *ServerRepo) AcquireSlot(ctx context.Context, serverID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	srv, ok := r.items[serverID]
	if !ok {
		return server.ErrServerNotFound
	}
	if r.current[serverID] >= srv.MaxUsers() {
		return server.ErrNoFreeSlot
	}
	r.current[serverID]++
	return nil
}

func (r *ServerRepo) ReleaseSlot(ctx context.Context, serverID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[serverID]; !ok {
		return server.ErrServerNotFound
	}
	if r.current[serverID] > 0 {
		r.current[serverID]--
	}
	return nil
}

// Occupancy returns the tracked slot count for a server.
func (r *ServerRepo) Occupancy(serverID uint) uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current[serverID]
}

func (r *ServerRepo) withOccupancy(srv *server.Server) (*server.Server, error) {
	panels := make(map[vpn.Protocol]server.PanelSettings, len(srv.SupportedProtocols()))
	for _, p := range srv.SupportedProtocols() {
		if settings, ok := srv.PanelFor(p); ok {
			panels[p] = settings
		}
	}
	return server.Reconstruct(server.ReconstructParams{
		ID:                 srv.ID(),
		SID:                srv.SID(),
		Name:               srv.Name(),
		Country:            srv.Country(),
		City:               srv.City(),
		Address:            srv.Address(),
		SupportedProtocols: srv.SupportedProtocols(),
		Panels:             panels,
		MaxUsers:           srv.MaxUsers(),
		CurrentUsers:       r.current[srv.ID()],
		Health:             srv.Health(),
		Maintenance:        srv.InMaintenance(),
		LastCheckedAt:      srv.LastCheckedAt(),
		Version:            srv.Version(),
		CreatedAt:          srv.CreatedAt(),
		UpdatedAt:          srv.UpdatedAt(),
	})
}

// SampleRepo is an in-memory usage.Repository.
type SampleRepo struct {
	mu      sync.Mutex
	Samples []*usage.Sample
}

func NewSampleRepo() *SampleRepo {
	return &SampleRepo{}
}

func (r *SampleRepo) Append(ctx context.Context, sample *usage.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sample.ID = uint(len(r.Samples) + 1)
	r.Samples = append(r.Samples, sample)
	return nil
}

func (r *SampleRepo) ListBySubscription(ctx context.Context, subscriptionID uint, limit int) ([]*usage.Sample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*usage.Sample
	for _, sample := range r.Samples {
		if sample.SubscriptionID == subscriptionID {
			out = append(out, sample)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *SampleRepo) SumBySubscription(ctx context.Context, subscriptionID uint) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, sample := range r.Samples {
		if sample.SubscriptionID == subscriptionID {
			total += sample.Bytes
		}
	}
	return total, nil
}

func (r *SampleRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []*usage.Sample
	var removed int64
	for _, sample := range r.Samples {
		if sample.ReceivedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, sample)
	}
	r.Samples = kept
	return removed, nil
}

// Adapter is a scriptable vpn.Adapter. Unset hooks fall back to a
// deterministic success path.
type Adapter struct {
	Proto vpn.Protocol

	ProvisionFn func(target vpn.ServerTarget, identity vpn.SubscriberIdentity) (*vpn.ProvisionResult, error)
	RevokeFn    func(target vpn.ServerTarget, clientID string) error
	UsageFn     func(target vpn.ServerTarget, clientID string) (vpn.UsageReport, error)

	mu             sync.Mutex
	provisionCalls []vpn.SubscriberIdentity
	revokeCalls    []string
	usageCalls     []string
}

func NewAdapter(protocol vpn.Protocol) *Adapter {
	return &Adapter{Proto: protocol}
}

func (a *Adapter) Protocol() vpn.Protocol { return a.Proto }

func (a *Adapter) Provision(ctx context.Context, target vpn.ServerTarget, identity vpn.SubscriberIdentity) (*vpn.ProvisionResult, error) {
	a.mu.Lock()
	a.provisionCalls = append(a.provisionCalls, identity)
	a.mu.Unlock()
	if a.ProvisionFn != nil {
		return a.ProvisionFn(target, identity)
	}
	return &vpn.ProvisionResult{
		ClientID:         identity.IdempotencyKey,
		ConfigPayload:    map[string]any{"uuid": identity.ClientUUID},
		ConnectionString: fmt.Sprintf("%s://%s@%s", a.Proto, identity.ClientUUID, target.Address),
	}, nil
}

func (a *Adapter) Revoke(ctx context.Context, target vpn.ServerTarget, clientID string) error {
	a.mu.Lock()
	a.revokeCalls = append(a.revokeCalls, clientID)
	a.mu.Unlock()
	if a.RevokeFn != nil {
		return a.RevokeFn(target, clientID)
	}
	return nil
}

func (a *Adapter) UsageQuery(ctx context.Context, target vpn.ServerTarget, clientID string) (vpn.UsageReport, error) {
	a.mu.Lock()
	a.usageCalls = append(a.usageCalls, clientID)
	a.mu.Unlock()
	if a.UsageFn != nil {
		return a.UsageFn(target, clientID)
	}
	return vpn.UsageReport{Present: true}, nil
}

func (a *Adapter) ProvisionCalls() []vpn.SubscriberIdentity {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]vpn.SubscriberIdentity, len(a.provisionCalls))
	copy(out, a.provisionCalls)
	return out
}

func (a *Adapter) RevokeCalls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.revokeCalls))
	copy(out, a.revokeCalls)
	return out
}

// Alert is one captured operator notification.
type Alert struct {
	Severity alert.Severity
	Subject  string
	Message  string
}

// Notifier records alerts instead of delivering them.
type Notifier struct {
	mu     sync.Mutex
	Alerts []Alert
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

func (n *Notifier) Notify(ctx context.Context, severity alert.Severity, subject, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Alerts = append(n.Alerts, Alert{Severity: severity, Subject: subject, Message: message})
}

// Captured returns a snapshot of the recorded alerts.
func (n *Notifier) Captured() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Alert, len(n.Alerts))
	copy(out, n.Alerts)
	return out
}

// Configs returns deterministic engine tuning for tests.
func Configs() (config.LifecycleConfig, config.AdapterConfig, config.ReconcileConfig) {
	return config.LifecycleConfig{
			GracePeriod:       72 * time.Hour,
			PendingTimeout:    24 * time.Hour,
			PendingStuckAfter: 15 * time.Minute,
			MaxServerAttempts: 3,
		}, config.AdapterConfig{
			Timeout:    5 * time.Second,
			MaxRetries: 2,
			RetryDelay: time.Millisecond,
		}, config.ReconcileConfig{
			Interval:          time.Minute,
			Concurrency:       4,
			MaxRepairAttempts: 3,
		}
}
