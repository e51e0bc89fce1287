// Package serverops covers the administrative surface of the server
// fleet: registration, listing, and maintenance toggles. Capacity and
// health mutations stay with the selector and reconciler.
package serverops

import (
	"context"
	"errors"
	"fmt"

	"github.com/veil-labs/veil/internal/domain/server"
	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/shared/id"
	"github.com/veil-labs/veil/internal/shared/logger"
)

// RegisterServerParams carries everything needed to add a server to
// the fleet.
type RegisterServerParams struct {
	Name               string
	Country            string
	City               string
	Address            string
	SupportedProtocols []vpn.Protocol
	Panels             map[vpn.Protocol]server.PanelSettings
	MaxUsers           uint
}

type Service struct {
	serverRepo server.Repository
	logger     logger.Interface
}

func NewService(serverRepo server.Repository, log logger.Interface) *Service {
	return &Service{
		serverRepo: serverRepo,
		logger:     log.Named("serverops"),
	}
}

// Register adds a new server to the fleet. The server starts healthy
// and open for placement; a subsequent health probe corrects the
// status if the panels are unreachable.
func (s *Service) Register(ctx context.Context, params RegisterServerParams) (*server.Server, error) {
	sid := id.MustGenerateWithPrefix(id.PrefixServer, id.DefaultLength)
	srv, err := server.NewServer(
		sid,
		params.Name,
		params.Country,
		params.City,
		params.Address,
		params.SupportedProtocols,
		params.Panels,
		params.MaxUsers,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build server: %w", err)
	}
	if err := s.serverRepo.Create(ctx, srv); err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	s.logger.Infow("server registered",
		"server_sid", srv.SID(),
		"name", srv.Name(),
		"max_users", srv.MaxUsers(),
	)
	return srv, nil
}

func (s *Service) List(ctx context.Context) ([]*server.Server, error) {
	return s.serverRepo.List(ctx)
}

func (s *Service) GetBySID(ctx context.Context, sid string) (*server.Server, error) {
	return s.serverRepo.GetBySID(ctx, sid)
}

// SIDForID resolves the public server ID for an internal reference.
// Returns the empty string when the server no longer exists.
func (s *Service) SIDForID(ctx context.Context, serverID uint) (string, error) {
	srv, err := s.serverRepo.GetByID(ctx, serverID)
	if err != nil {
		if errors.Is(err, server.ErrServerNotFound) {
			return "", nil
		}
		return "", err
	}
	return srv.SID(), nil
}

// SetMaintenance toggles placement for a server. Existing credentials
// on the server are untouched; maintenance only blocks new selections.
func (s *Service) SetMaintenance(ctx context.Context, sid string, on bool) (*server.Server, error) {
	srv, err := s.serverRepo.GetBySID(ctx, sid)
	if err != nil {
		return nil, err
	}
	srv.SetMaintenance(on)
	if err := s.serverRepo.Update(ctx, srv); err != nil {
		return nil, fmt.Errorf("failed to update server: %w", err)
	}
	s.logger.Infow("server maintenance changed",
		"server_sid", srv.SID(),
		"maintenance", on,
	)
	return srv, nil
}
