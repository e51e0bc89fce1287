package dto

import (
	"time"

	"github.com/veil-labs/veil/internal/domain/server"
)

// ServerDTO is the admin read model for a fleet server. Panel
// credentials are deliberately omitted from responses.
type ServerDTO struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Country            string     `json:"country,omitempty"`
	City               string     `json:"city,omitempty"`
	Address            string     `json:"address"`
	SupportedProtocols []string   `json:"supported_protocols"`
	MaxUsers           uint       `json:"max_users"`
	CurrentUsers       uint       `json:"current_users"`
	LoadRatio          float64    `json:"load_ratio"`
	Health             string     `json:"health"`
	Maintenance        bool       `json:"maintenance"`
	LastCheckedAt      *time.Time `json:"last_checked_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

func FromServer(srv *server.Server) ServerDTO {
	protocols := make([]string, 0, len(srv.SupportedProtocols()))
	for _, p := range srv.SupportedProtocols() {
		protocols = append(protocols, p.String())
	}
	return ServerDTO{
		ID:                 srv.SID(),
		Name:               srv.Name(),
		Country:            srv.Country(),
		City:               srv.City(),
		Address:            srv.Address(),
		SupportedProtocols: protocols,
		MaxUsers:           srv.MaxUsers(),
		CurrentUsers:       srv.CurrentUsers(),
		LoadRatio:          srv.LoadRatio(),
		Health:             string(srv.Health()),
		Maintenance:        srv.InMaintenance(),
		LastCheckedAt:      srv.LastCheckedAt(),
		CreatedAt:          srv.CreatedAt(),
	}
}

func FromServers(servers []*server.Server) []ServerDTO {
	out := make([]ServerDTO, 0, len(servers))
	for _, srv := range servers {
		out = append(out, FromServer(srv))
	}
	return out
}
