package lifecycle

import (
	"context"
	"fmt"
	"sort"

	"github.com/veil-labs/veil/internal/domain/server"
	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/shared/logger"
)

// Selector picks the server a new credential lands on: candidates must
// support the protocol, be healthy, and have a free slot; the winner
// is the one with the lowest load-to-capacity ratio, ties broken by ID
// ascending so placement is deterministic.
type Selector struct {
	serverRepo server.Repository
	logger     logger.Interface
}

func NewSelector(serverRepo server.Repository, log logger.Interface) *Selector {
	return &Selector{
		serverRepo: serverRepo,
		logger:     log.Named("selector"),
	}
}

// Select returns the best qualifying server for protocol, skipping IDs
// in exclude. Returns ErrNoCapacity when no candidate qualifies.
func (s *Selector) Select(ctx context.Context, protocol vpn.Protocol, exclude map[uint]bool) (*server.Server, error) {
	candidates, err := s.serverRepo.ListCandidates(ctx, protocol)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate servers: %w", err)
	}

	qualified := candidates[:0]
	for _, srv := range candidates {
		if exclude[srv.ID()] {
			continue
		}
		if !srv.AcceptsNew(protocol) {
			continue
		}
		qualified = append(qualified, srv)
	}

	if len(qualified) == 0 {
		s.logger.Warnw("no qualifying server",
			"protocol", protocol,
			"candidates", len(candidates),
			"excluded", len(exclude),
		)
		return nil, ErrNoCapacity
	}

	sort.Slice(qualified, func(i, j int) bool {
		ri, rj := qualified[i].LoadRatio(), qualified[j].LoadRatio()
		if ri != rj {
			return ri < rj
		}
		return qualified[i].ID() < qualified[j].ID()
	})

	best := qualified[0]
	s.logger.Debugw("server selected",
		"protocol", protocol,
		"server_sid", best.SID(),
		"load_ratio", best.LoadRatio(),
	)
	return best, nil
}
