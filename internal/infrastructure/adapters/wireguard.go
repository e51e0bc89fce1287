package adapters

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/shared/logger"
)

// WireGuardAdapter provisions peers on a wg-easy style panel. The
// panel renders the full client configuration server-side, so the
// connection string is the ready-to-import INI profile.
type WireGuardAdapter struct {
	client *panelClient
	logger logger.Interface

	// The panel only exposes cumulative transfer counters. The last
	// observed totals are kept here so UsageQuery can report deltas; a
	// restart re-baselines and undercounts one cycle.
	mu        sync.Mutex
	lastTotal map[string]int64
}

func NewWireGuardAdapter(log logger.Interface) *WireGuardAdapter {
	return &WireGuardAdapter{
		client:    newPanelClient(vpn.ProtocolWireGuard),
		logger:    log.Named("wireguard"),
		lastTotal: make(map[string]int64),
	}
}

func (a *WireGuardAdapter) Protocol() vpn.Protocol {
	return vpn.ProtocolWireGuard
}

type wgClient struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	PublicKey  string `json:"publicKey"`
	TransferRx int64  `json:"transferRx"`
	TransferTx int64  `json:"transferTx"`
}

// Provision creates (or finds) the peer named after the idempotency
// key and fetches its rendered configuration.
func (a *WireGuardAdapter) Provision(ctx context.Context, target vpn.ServerTarget, identity vpn.SubscriberIdentity) (*vpn.ProvisionResult, error) {
	auth := basicAuth(target.Panel)

	existing, err := a.findClient(ctx, target, identity.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		createURL := joinURL(target.Panel.BaseURL, "/api/wireguard/client")
		body := map[string]any{"name": identity.IdempotencyKey}
		if err := a.client.doJSON(ctx, "provision", "POST", createURL, body, nil, auth); err != nil {
			return nil, err
		}
		existing, err = a.findClient(ctx, target, identity.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, vpn.NewUnavailable(vpn.ProtocolWireGuard, "provision",
				fmt.Errorf("created peer %s not visible on panel", identity.IdempotencyKey))
		}
	} else {
		a.logger.Debugw("peer already exists, reusing",
			"server_sid", target.ServerSID, "name", identity.IdempotencyKey)
	}

	profileURL := joinURL(target.Panel.BaseURL,
		fmt.Sprintf("/api/wireguard/client/%s/configuration", url.PathEscape(existing.ID)))
	profile, err := a.client.getText(ctx, "provision", profileURL, auth)
	if err != nil {
		return nil, err
	}

	return &vpn.ProvisionResult{
		ClientID: existing.ID,
		ConfigPayload: map[string]any{
			"uuid":       existing.ID,
			"name":       existing.Name,
			"address":    existing.Address,
			"public_key": existing.PublicKey,
			"endpoint":   fmt.Sprintf("%s:%s", target.Address, target.Setting("port", "51820")),
		},
		ConnectionString: profile,
	}, nil
}

// Revoke deletes the peer. An unknown peer is success.
func (a *WireGuardAdapter) Revoke(ctx context.Context, target vpn.ServerTarget, clientID string) error {
	deleteURL := joinURL(target.Panel.BaseURL,
		fmt.Sprintf("/api/wireguard/client/%s", url.PathEscape(clientID)))
	err := a.client.doJSON(ctx, "revoke", "DELETE", deleteURL, nil, nil, basicAuth(target.Panel))
	if err != nil && vpn.IsRejected(err) {
		return nil
	}

	a.mu.Lock()
	delete(a.lastTotal, clientID)
	a.mu.Unlock()
	return err
}

// UsageQuery reports the transfer delta since the last query.
func (a *WireGuardAdapter) UsageQuery(ctx context.Context, target vpn.ServerTarget, clientID string) (vpn.UsageReport, error) {
	clients, err := a.listClients(ctx, target)
	if err != nil {
		return vpn.UsageReport{}, err
	}

	for _, c := range clients {
		if c.ID != clientID {
			continue
		}
		total := c.TransferRx + c.TransferTx

		a.mu.Lock()
		last := a.lastTotal[clientID]
		if total < last {
			// Counter reset on the panel side; re-baseline.
			last = 0
		}
		a.lastTotal[clientID] = total
		a.mu.Unlock()

		return vpn.UsageReport{BytesSinceLast: total - last, Present: true}, nil
	}
	return vpn.UsageReport{Present: false}, nil
}

func (a *WireGuardAdapter) findClient(ctx context.Context, target vpn.ServerTarget, name string) (*wgClient, error) {
	clients, err := a.listClients(ctx, target)
	if err != nil {
		return nil, err
	}
	for i := range clients {
		if clients[i].Name == name {
			return &clients[i], nil
		}
	}
	return nil, nil
}

func (a *WireGuardAdapter) listClients(ctx context.Context, target vpn.ServerTarget) ([]wgClient, error) {
	var clients []wgClient
	listURL := joinURL(target.Panel.BaseURL, "/api/wireguard/client")
	if err := a.client.doJSON(ctx, "client_list", "GET", listURL, nil, &clients, basicAuth(target.Panel)); err != nil {
		return nil, err
	}
	return clients, nil
}
