package adapters

import (
	"context"
	"fmt"
	"net/url"

	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/shared/logger"
)

// OpenVPNAdapter provisions certificate-based users on an OpenVPN
// management panel. The panel signs a client certificate per user and
// renders the .ovpn profile with the inline cert and key.
type OpenVPNAdapter struct {
	client *panelClient
	logger logger.Interface
}

func NewOpenVPNAdapter(log logger.Interface) *OpenVPNAdapter {
	return &OpenVPNAdapter{
		client: newPanelClient(vpn.ProtocolOpenVPN),
		logger: log.Named("openvpn"),
	}
}

func (a *OpenVPNAdapter) Protocol() vpn.Protocol {
	return vpn.ProtocolOpenVPN
}

type ovpnUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Revoked  bool   `json:"revoked"`
	RxBytes  int64  `json:"rx_bytes"`
	TxBytes  int64  `json:"tx_bytes"`
}

// Provision creates the panel user named after the idempotency key and
// fetches its rendered .ovpn profile.
func (a *OpenVPNAdapter) Provision(ctx context.Context, target vpn.ServerTarget, identity vpn.SubscriberIdentity) (*vpn.ProvisionResult, error) {
	auth := basicAuth(target.Panel)

	var user ovpnUser
	getURL := joinURL(target.Panel.BaseURL, "/api/users/"+url.PathEscape(identity.IdempotencyKey))
	err := a.client.doJSON(ctx, "provision", "GET", getURL, nil, &user, auth)
	switch {
	case err == nil && !user.Revoked:
		a.logger.Debugw("user already exists, reusing",
			"server_sid", target.ServerSID, "username", identity.IdempotencyKey)
	case err == nil || vpn.IsRejected(err):
		// Unknown or revoked user; issue a fresh certificate.
		createURL := joinURL(target.Panel.BaseURL, "/api/users")
		body := map[string]any{"username": identity.IdempotencyKey}
		if err := a.client.doJSON(ctx, "provision", "POST", createURL, body, &user, auth); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	profileURL := joinURL(target.Panel.BaseURL,
		fmt.Sprintf("/api/users/%s/profile", url.PathEscape(user.Username)))
	profile, err := a.client.getText(ctx, "provision", profileURL, auth)
	if err != nil {
		return nil, err
	}

	return &vpn.ProvisionResult{
		ClientID: user.ID,
		ConfigPayload: map[string]any{
			"uuid":     user.ID,
			"username": user.Username,
			"remote":   fmt.Sprintf("%s %s", target.Address, target.Setting("port", "1194")),
			"proto":    target.Setting("proto", "udp"),
		},
		ConnectionString: profile,
	}, nil
}

// Revoke revokes the user's certificate. An unknown user is success.
func (a *OpenVPNAdapter) Revoke(ctx context.Context, target vpn.ServerTarget, clientID string) error {
	revokeURL := joinURL(target.Panel.BaseURL,
		fmt.Sprintf("/api/users/%s/revoke", url.PathEscape(clientID)))
	err := a.client.doJSON(ctx, "revoke", "POST", revokeURL, nil, nil, basicAuth(target.Panel))
	if err != nil && vpn.IsRejected(err) {
		return nil
	}
	return err
}

// UsageQuery reads the per-user traffic counters. The panel zeroes
// them on read, so the report is the delta since the last query.
func (a *OpenVPNAdapter) UsageQuery(ctx context.Context, target vpn.ServerTarget, clientID string) (vpn.UsageReport, error) {
	var user ovpnUser
	statsURL := joinURL(target.Panel.BaseURL,
		fmt.Sprintf("/api/users/%s/stats?reset=true", url.PathEscape(clientID)))
	if err := a.client.doJSON(ctx, "usage_query", "GET", statsURL, nil, &user, basicAuth(target.Panel)); err != nil {
		if vpn.IsRejected(err) {
			return vpn.UsageReport{Present: false}, nil
		}
		return vpn.UsageReport{}, err
	}
	if user.Revoked {
		return vpn.UsageReport{Present: false}, nil
	}
	return vpn.UsageReport{BytesSinceLast: user.RxBytes + user.TxBytes, Present: true}, nil
}
