package vpn

import "context"

// Panel holds the endpoint and credentials of a remote VPN-panel API.
type Panel struct {
	BaseURL  string
	Username string
	Password string
	APIKey   string
}

// ServerTarget is the slice of a server an adapter needs: where the
// panel lives and the protocol-section settings the server carries
// (port, public key, reality params and so on). Keeping this a value
// type avoids coupling adapters to the server aggregate.
type ServerTarget struct {
	ServerSID string
	Address   string
	Panel     Panel
	Settings  map[string]string
}

// Setting returns the named protocol setting or def when absent.
func (t ServerTarget) Setting(key, def string) string {
	if v, ok := t.Settings[key]; ok && v != "" {
		return v
	}
	return def
}

// SubscriberIdentity identifies the client entry to create on the
// panel. IdempotencyKey is stable across retries for the same
// subscription and protocol; adapters must return the existing remote
// entry instead of creating a duplicate when the key is already known
// to the panel.
type SubscriberIdentity struct {
	SubscriptionSID string
	ClientUUID      string
	Label           string
	IdempotencyKey  string
}

// ProvisionResult is what a successful panel call yields: the remote
// client handle, the protocol-opaque config payload, and a
// ready-to-use connection string for presentation layers.
type ProvisionResult struct {
	ClientID         string
	ConfigPayload    map[string]any
	ConnectionString string
}

// UsageReport carries the outcome of a usage query. Present reports
// whether the panel still has a matching client entry; reconciliation
// relies on it to detect drift. Absence of byte counters is not an
// error, it is zero observed this cycle.
type UsageReport struct {
	BytesSinceLast int64
	Present        bool
}

// Adapter is the per-protocol contract against a remote VPN panel.
// Implementations are stateless beyond the remote call; every method
// must honor ctx cancellation and map transport failures onto the
// AdapterError taxonomy.
type Adapter interface {
	Protocol() Protocol

	// Provision creates (or, under an already-used idempotency key,
	// returns) the client entry on the target panel.
	Provision(ctx context.Context, target ServerTarget, identity SubscriberIdentity) (*ProvisionResult, error)

	// Revoke removes the client entry. A client already absent on the
	// panel is success, not an error.
	Revoke(ctx context.Context, target ServerTarget, clientID string) error

	// UsageQuery reports bytes transferred since the last query and
	// whether the client entry still exists remotely.
	UsageQuery(ctx context.Context, target ServerTarget, clientID string) (UsageReport, error)
}
