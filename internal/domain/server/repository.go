package server

import (
	"context"
	"errors"

	"github.com/veil-labs/veil/internal/domain/vpn"
)

var (
	ErrServerNotFound = errors.New("server not found")
	// ErrNoFreeSlot is returned by AcquireSlot when the conditional
	// increment loses the race for the last slot.
	ErrNoFreeSlot = errors.New("server has no free slot")
)

// Repository persists the server ledger. Load counters move only
// through AcquireSlot and ReleaseSlot, which must be atomic so that
// two provisions racing for the last slot cannot both win.
type Repository interface {
	Create(ctx context.Context, srv *Server) error
	Update(ctx context.Context, srv *Server) error
	GetByID(ctx context.Context, id uint) (*Server, error)
	GetBySID(ctx context.Context, sid string) (*Server, error)
	List(ctx context.Context) ([]*Server, error)

	// ListCandidates returns servers that support protocol, regardless
	// of health or load; filtering is the selector's concern.
	ListCandidates(ctx context.Context, protocol vpn.Protocol) ([]*Server, error)

	// AcquireSlot atomically increments current_users if and only if
	// current_users < max_users, returning ErrNoFreeSlot otherwise.
	AcquireSlot(ctx context.Context, serverID uint) error

	// ReleaseSlot atomically decrements current_users, flooring at zero.
	ReleaseSlot(ctx context.Context, serverID uint) error
}
