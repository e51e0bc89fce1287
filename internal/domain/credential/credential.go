// Package credential holds the provisioned VPN artifact: the
// protocol-native client entry that exists on a specific server for a
// specific subscription. A subscription owns at most one live
// credential at a time.
package credential

import (
	"fmt"
	"time"

	"github.com/veil-labs/veil/internal/domain/vpn"
)

// Credential represents a provisioned VPN access artifact. While
// revokedAt is nil the remote panel is expected to hold a matching
// live entry; reconciliation repairs the cases where it does not.
type Credential struct {
	id               uint
	cid              string
	subscriptionID   uint
	protocol         vpn.Protocol
	serverID         uint
	clientID         string
	clientUUID       string
	configPayload    map[string]any
	connectionString string
	issuedAt         time.Time
	revokedAt        *time.Time
	version          int
	createdAt        time.Time
	updatedAt        time.Time
}

// New creates a credential from a successful adapter provision.
func New(
	cid string,
	subscriptionID uint,
	protocol vpn.Protocol,
	serverID uint,
	clientID, clientUUID string,
	configPayload map[string]any,
	connectionString string,
) (*Credential, error) {
	if cid == "" {
		return nil, fmt.Errorf("credential cid is required")
	}
	if subscriptionID == 0 {
		return nil, fmt.Errorf("subscription ID is required")
	}
	if !protocol.IsValid() {
		return nil, fmt.Errorf("invalid protocol %q", protocol)
	}
	if serverID == 0 {
		return nil, fmt.Errorf("server ID is required")
	}
	if clientID == "" {
		return nil, fmt.Errorf("remote client ID is required")
	}
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if configPayload == nil {
		configPayload = make(map[string]any)
	}

	now := time.Now().UTC()
	return &Credential{
		cid:              cid,
		subscriptionID:   subscriptionID,
		protocol:         protocol,
		serverID:         serverID,
		clientID:         clientID,
		clientUUID:       clientUUID,
		configPayload:    configPayload,
		connectionString: connectionString,
		issuedAt:         now,
		version:          1,
		createdAt:        now,
		updatedAt:        now,
	}, nil
}

// ReconstructParams carries persisted state back into the aggregate.
type ReconstructParams struct {
	ID               uint
	CID              string
	SubscriptionID   uint
	Protocol         vpn.Protocol
	ServerID         uint
	ClientID         string
	ClientUUID       string
	ConfigPayload    map[string]any
	ConnectionString string
	IssuedAt         time.Time
	RevokedAt        *time.Time
	Version          int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Reconstruct rebuilds a credential from persistence.
func Reconstruct(p ReconstructParams) (*Credential, error) {
	if p.ID == 0 {
		return nil, fmt.Errorf("credential ID cannot be zero")
	}
	if !p.Protocol.IsValid() {
		return nil, fmt.Errorf("invalid protocol %q", p.Protocol)
	}
	payload := p.ConfigPayload
	if payload == nil {
		payload = make(map[string]any)
	}
	return &Credential{
		id:               p.ID,
		cid:              p.CID,
		subscriptionID:   p.SubscriptionID,
		protocol:         p.Protocol,
		serverID:         p.ServerID,
		clientID:         p.ClientID,
		clientUUID:       p.ClientUUID,
		configPayload:    payload,
		connectionString: p.ConnectionString,
		issuedAt:         p.IssuedAt,
		revokedAt:        p.RevokedAt,
		version:          p.Version,
		createdAt:        p.CreatedAt,
		updatedAt:        p.UpdatedAt,
	}, nil
}

func (c *Credential) ID() uint                 { return c.id }
func (c *Credential) CID() string              { return c.cid }
func (c *Credential) SubscriptionID() uint     { return c.subscriptionID }
func (c *Credential) Protocol() vpn.Protocol   { return c.protocol }
func (c *Credential) ServerID() uint           { return c.serverID }
func (c *Credential) ClientID() string         { return c.clientID }
func (c *Credential) ClientUUID() string       { return c.clientUUID }
func (c *Credential) ConfigPayload() map[string]any { return c.configPayload }
func (c *Credential) ConnectionString() string { return c.connectionString }
func (c *Credential) IssuedAt() time.Time      { return c.issuedAt }
func (c *Credential) RevokedAt() *time.Time    { return c.revokedAt }
func (c *Credential) Version() int             { return c.version }
func (c *Credential) CreatedAt() time.Time     { return c.createdAt }
func (c *Credential) UpdatedAt() time.Time     { return c.updatedAt }

// SetID sets the credential ID (persistence layer only).
func (c *Credential) SetID(id uint) error {
	if c.id != 0 {
		return fmt.Errorf("credential ID is already set")
	}
	if id == 0 {
		return fmt.Errorf("credential ID cannot be zero")
	}
	c.id = id
	return nil
}

// IsLive reports whether the credential has not been revoked.
func (c *Credential) IsLive() bool {
	return c.revokedAt == nil
}

// MarkRevoked records the revocation intent on the ledger. Idempotent:
// revoking twice keeps the first timestamp.
func (c *Credential) MarkRevoked(now time.Time) {
	if c.revokedAt != nil {
		return
	}
	revoked := now.UTC()
	c.revokedAt = &revoked
	c.updatedAt = revoked
	c.version++
}
