package reconcile

import (
	"context"
	"fmt"

	"github.com/veil-labs/veil/internal/domain/server"
	"github.com/veil-labs/veil/internal/shared/biztime"
)

// HealthProber checks whether a server's panels respond. Implemented
// against the panel HTTP APIs in the infrastructure layer.
type HealthProber interface {
	Probe(ctx context.Context, srv *server.Server) server.HealthStatus
}

// ProbeServers runs the health prober over the whole fleet and records
// the observed status. A status change is logged; transitions to
// unreachable pull the server out of selection until it recovers.
func (r *Reconciler) ProbeServers(ctx context.Context, prober HealthProber) (int, error) {
	servers, err := r.serverRepo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list servers: %w", err)
	}

	changed := 0
	for _, srv := range servers {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		observed := prober.Probe(ctx, srv)
		previous := srv.Health()
		if err := srv.MarkHealth(observed, biztime.NowUTC()); err != nil {
			r.logger.Errorw("failed to record health",
				"server_sid", srv.SID(), "error", err)
			continue
		}
		if err := r.serverRepo.Update(ctx, srv); err != nil {
			r.logger.Errorw("failed to persist health",
				"server_sid", srv.SID(), "error", err)
			continue
		}
		if observed != previous {
			changed++
			r.logger.Warnw("server health changed",
				"server_sid", srv.SID(),
				"from", previous.String(),
				"to", observed.String(),
			)
		}
	}
	return changed, nil
}
