package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veil-labs/veil/internal/domain/vpn"
)

func newTestServer(t *testing.T, maxUsers, currentUsers uint) *Server {
	t.Helper()
	srv, err := Reconstruct(ReconstructParams{
		ID:                 1,
		SID:                "srv_ams1",
		Name:               "ams-1",
		Country:            "NL",
		City:               "Amsterdam",
		Address:            "ams1.example.net",
		SupportedProtocols: []vpn.Protocol{vpn.ProtocolVLESS, vpn.ProtocolWireGuard},
		Panels: map[vpn.Protocol]PanelSettings{
			vpn.ProtocolVLESS: {
				BaseURL:  "https://ams1.example.net:2053",
				Username: "admin",
				Password: "secret",
				Settings: map[string]string{"port": "443", "security": "reality"},
			},
			vpn.ProtocolWireGuard: {
				BaseURL: "https://ams1.example.net:51821",
				APIKey:  "wg-key",
			},
		},
		MaxUsers:     maxUsers,
		CurrentUsers: currentUsers,
		Health:       HealthHealthy,
		Version:      1,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)
	return srv
}

func TestNewServer_RequiresPanelPerProtocol(t *testing.T) {
	_, err := NewServer("srv_x", "x", "NL", "Amsterdam", "x.example.net",
		[]vpn.Protocol{vpn.ProtocolVLESS},
		map[vpn.Protocol]PanelSettings{}, 100)
	assert.Error(t, err)
}

func TestAcceptsNew(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Server)
		proto   vpn.Protocol
		accepts bool
	}{
		{"healthy with capacity", func(s *Server) {}, vpn.ProtocolVLESS, true},
		{"unsupported protocol", func(s *Server) {}, vpn.ProtocolOpenVPN, false},
		{"degraded", func(s *Server) {
			require.NoError(t, s.MarkHealth(HealthDegraded, time.Now()))
		}, vpn.ProtocolVLESS, false},
		{"unreachable", func(s *Server) {
			require.NoError(t, s.MarkHealth(HealthUnreachable, time.Now()))
		}, vpn.ProtocolVLESS, false},
		{"maintenance", func(s *Server) { s.SetMaintenance(true) }, vpn.ProtocolVLESS, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, 100, 10)
			tt.mutate(srv)
			assert.Equal(t, tt.accepts, srv.AcceptsNew(tt.proto))
		})
	}
}

func TestAcceptsNew_AtCapacity(t *testing.T) {
	srv := newTestServer(t, 10, 10)
	assert.False(t, srv.AcceptsNew(vpn.ProtocolVLESS))
}

func TestLoadRatio(t *testing.T) {
	srv := newTestServer(t, 100, 25)
	assert.InDelta(t, 0.25, srv.LoadRatio(), 1e-9)
}

func TestTarget(t *testing.T) {
	srv := newTestServer(t, 100, 0)

	target, err := srv.Target(vpn.ProtocolVLESS)
	require.NoError(t, err)
	assert.Equal(t, "srv_ams1", target.ServerSID)
	assert.Equal(t, "ams1.example.net", target.Address)
	assert.Equal(t, "https://ams1.example.net:2053", target.Panel.BaseURL)
	assert.Equal(t, "443", target.Setting("port", "1"))
	assert.Equal(t, "tcp", target.Setting("network", "tcp"))

	_, err = srv.Target(vpn.ProtocolIKEv2)
	assert.Error(t, err)
}

func TestMarkHealth(t *testing.T) {
	srv := newTestServer(t, 100, 0)
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, srv.MarkHealth(HealthUnreachable, at))
	assert.Equal(t, HealthUnreachable, srv.Health())
	require.NotNil(t, srv.LastCheckedAt())
	assert.Equal(t, at, *srv.LastCheckedAt())

	assert.Error(t, srv.MarkHealth(HealthStatus("bogus"), at))
}
