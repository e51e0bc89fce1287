package adapters

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/veil-labs/veil/internal/domain/server"
	"github.com/veil-labs/veil/internal/shared/logger"
)

// PanelHealthProber judges a server by whether its panels answer HTTP
// at all: every panel responding is healthy, some is degraded, none is
// unreachable. Panel-level auth errors still count as responding; a
// panel that talks back is a panel that is up.
type PanelHealthProber struct {
	http   *http.Client
	logger logger.Interface
}

func NewPanelHealthProber(timeout time.Duration, log logger.Interface) *PanelHealthProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PanelHealthProber{
		logger: log.Named("healthprobe"),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

func (p *PanelHealthProber) Probe(ctx context.Context, srv *server.Server) server.HealthStatus {
	protocols := srv.SupportedProtocols()
	responding := 0
	total := 0

	seen := make(map[string]bool)
	for _, protocol := range protocols {
		ps, ok := srv.PanelFor(protocol)
		if !ok || seen[ps.BaseURL] {
			continue
		}
		seen[ps.BaseURL] = true
		total++
		if p.respond(ctx, ps.BaseURL) {
			responding++
		}
	}

	switch {
	case total == 0 || responding == 0:
		return server.HealthUnreachable
	case responding < total:
		return server.HealthDegraded
	default:
		return server.HealthHealthy
	}
}

func (p *PanelHealthProber) respond(ctx context.Context, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return false
	}
	resp, err := p.http.Do(req)
	if err != nil {
		p.logger.Debugw("panel probe failed", "base_url", baseURL, "error", err)
		return false
	}
	resp.Body.Close()
	return true
}
