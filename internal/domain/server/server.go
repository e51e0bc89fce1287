// Package server holds the VPN egress node aggregate. Servers are
// admin-managed; their load counters are maintained by the engine as
// credentials are created and revoked, never edited by adapters.
package server

import (
	"fmt"
	"time"

	"github.com/veil-labs/veil/internal/domain/vpn"
)

// Server represents a VPN egress node aggregate root.
type Server struct {
	id                 uint
	sid                string
	name               string
	country            string
	city               string
	address            string
	supportedProtocols []vpn.Protocol
	panels             map[vpn.Protocol]PanelSettings
	maxUsers           uint
	currentUsers       uint
	health             HealthStatus
	maintenance        bool
	lastCheckedAt      *time.Time
	version            int
	createdAt          time.Time
	updatedAt          time.Time
}

// PanelSettings carries the panel endpoint plus the protocol-section
// settings for one protocol on this server.
type PanelSettings struct {
	BaseURL  string
	Username string
	Password string
	APIKey   string
	Settings map[string]string
}

// NewServer creates a new server aggregate.
func NewServer(
	sid, name, country, city, address string,
	supportedProtocols []vpn.Protocol,
	panels map[vpn.Protocol]PanelSettings,
	maxUsers uint,
) (*Server, error) {
	if sid == "" {
		return nil, fmt.Errorf("server sid is required")
	}
	if name == "" {
		return nil, fmt.Errorf("server name is required")
	}
	if address == "" {
		return nil, fmt.Errorf("server address is required")
	}
	if maxUsers == 0 {
		return nil, fmt.Errorf("max users must be positive")
	}
	if len(supportedProtocols) == 0 {
		return nil, fmt.Errorf("at least one supported protocol is required")
	}
	for _, p := range supportedProtocols {
		if !p.IsValid() {
			return nil, fmt.Errorf("invalid protocol %q", p)
		}
		if _, ok := panels[p]; !ok {
			return nil, fmt.Errorf("missing panel settings for protocol %s", p)
		}
	}

	now := time.Now().UTC()
	return &Server{
		sid:                sid,
		name:               name,
		country:            country,
		city:               city,
		address:            address,
		supportedProtocols: supportedProtocols,
		panels:             panels,
		maxUsers:           maxUsers,
		health:             HealthHealthy,
		version:            1,
		createdAt:          now,
		updatedAt:          now,
	}, nil
}

// ReconstructParams carries persisted state back into the aggregate.
type ReconstructParams struct {
	ID                 uint
	SID                string
	Name               string
	Country            string
	City               string
	Address            string
	SupportedProtocols []vpn.Protocol
	Panels             map[vpn.Protocol]PanelSettings
	MaxUsers           uint
	CurrentUsers       uint
	Health             HealthStatus
	Maintenance        bool
	LastCheckedAt      *time.Time
	Version            int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Reconstruct rebuilds a server from persistence.
func Reconstruct(p ReconstructParams) (*Server, error) {
	if p.ID == 0 {
		return nil, fmt.Errorf("server ID cannot be zero")
	}
	if !p.Health.IsValid() {
		return nil, fmt.Errorf("invalid health status: %s", p.Health)
	}
	panels := p.Panels
	if panels == nil {
		panels = make(map[vpn.Protocol]PanelSettings)
	}
	return &Server{
		id:                 p.ID,
		sid:                p.SID,
		name:               p.Name,
		country:            p.Country,
		city:               p.City,
		address:            p.Address,
		supportedProtocols: p.SupportedProtocols,
		panels:             panels,
		maxUsers:           p.MaxUsers,
		currentUsers:       p.CurrentUsers,
		health:             p.Health,
		maintenance:        p.Maintenance,
		lastCheckedAt:      p.LastCheckedAt,
		version:            p.Version,
		createdAt:          p.CreatedAt,
		updatedAt:          p.UpdatedAt,
	}, nil
}

func (s *Server) ID() uint                          { return s.id }
func (s *Server) SID() string                       { return s.sid }
func (s *Server) Name() string                      { return s.name }
func (s *Server) Country() string                   { return s.country }
func (s *Server) City() string                      { return s.city }
func (s *Server) Address() string                   { return s.address }
func (s *Server) SupportedProtocols() []vpn.Protocol { return s.supportedProtocols }
func (s *Server) MaxUsers() uint                    { return s.maxUsers }
func (s *Server) CurrentUsers() uint                { return s.currentUsers }
func (s *Server) Health() HealthStatus              { return s.health }
func (s *Server) InMaintenance() bool               { return s.maintenance }
func (s *Server) LastCheckedAt() *time.Time         { return s.lastCheckedAt }
func (s *Server) Version() int                      { return s.version }
func (s *Server) CreatedAt() time.Time              { return s.createdAt }
func (s *Server) UpdatedAt() time.Time              { return s.updatedAt }

// SetID sets the server ID (persistence layer only).
func (s *Server) SetID(id uint) error {
	if s.id != 0 {
		return fmt.Errorf("server ID is already set")
	}
	if id == 0 {
		return fmt.Errorf("server ID cannot be zero")
	}
	s.id = id
	return nil
}

// Supports reports whether this server carries the given protocol.
func (s *Server) Supports(protocol vpn.Protocol) bool {
	for _, p := range s.supportedProtocols {
		if p == protocol {
			return true
		}
	}
	return false
}

// PanelFor returns the panel settings for protocol.
func (s *Server) PanelFor(protocol vpn.Protocol) (PanelSettings, bool) {
	ps, ok := s.panels[protocol]
	return ps, ok
}

// Target builds the adapter-facing view of this server for protocol.
func (s *Server) Target(protocol vpn.Protocol) (vpn.ServerTarget, error) {
	ps, ok := s.panels[protocol]
	if !ok {
		return vpn.ServerTarget{}, fmt.Errorf("server %s has no panel for protocol %s", s.sid, protocol)
	}
	return vpn.ServerTarget{
		ServerSID: s.sid,
		Address:   s.address,
		Panel: vpn.Panel{
			BaseURL:  ps.BaseURL,
			Username: ps.Username,
			Password: ps.Password,
			APIKey:   ps.APIKey,
		},
		Settings: ps.Settings,
	}, nil
}

// AcceptsNew reports whether this server may take a new credential for
// protocol: it must be healthy, out of maintenance, support the
// protocol, and have a free slot.
func (s *Server) AcceptsNew(protocol vpn.Protocol) bool {
	return s.health == HealthHealthy &&
		!s.maintenance &&
		s.Supports(protocol) &&
		s.currentUsers < s.maxUsers
}

// LoadRatio returns current load as a fraction of capacity.
func (s *Server) LoadRatio() float64 {
	if s.maxUsers == 0 {
		return 1.0
	}
	return float64(s.currentUsers) / float64(s.maxUsers)
}

// MarkHealth records the health status observed by a probe.
func (s *Server) MarkHealth(health HealthStatus, at time.Time) error {
	if !health.IsValid() {
		return fmt.Errorf("invalid health status: %s", health)
	}
	s.health = health
	checked := at.UTC()
	s.lastCheckedAt = &checked
	s.updatedAt = checked
	s.version++
	return nil
}

// SetMaintenance toggles the admin maintenance flag.
func (s *Server) SetMaintenance(on bool) {
	if s.maintenance == on {
		return
	}
	s.maintenance = on
	s.updatedAt = time.Now().UTC()
	s.version++
}
