package adapters

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/shared/logger"
)

// IKEv2Adapter provisions EAP accounts on a strongSwan management
// panel. Clients connect with machine-native IPsec stacks, so the
// connection string is a settings block rather than an importable
// profile.
type IKEv2Adapter struct {
	client *panelClient
	logger logger.Interface
}

func NewIKEv2Adapter(log logger.Interface) *IKEv2Adapter {
	return &IKEv2Adapter{
		client: newPanelClient(vpn.ProtocolIKEv2),
		logger: log.Named("ikev2"),
	}
}

func (a *IKEv2Adapter) Protocol() vpn.Protocol {
	return vpn.ProtocolIKEv2
}

type ikev2Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	Active   bool   `json:"active"`
	RxBytes  int64  `json:"rx_bytes"`
	TxBytes  int64  `json:"tx_bytes"`
}

// Provision creates the EAP account named after the idempotency key.
// The panel returns the generated password only on creation; a reused
// account keeps its existing secret and the payload omits it.
func (a *IKEv2Adapter) Provision(ctx context.Context, target vpn.ServerTarget, identity vpn.SubscriberIdentity) (*vpn.ProvisionResult, error) {
	auth := basicAuth(target.Panel)

	var account ikev2Account
	getURL := joinURL(target.Panel.BaseURL, "/api/accounts/"+url.PathEscape(identity.IdempotencyKey))
	err := a.client.doJSON(ctx, "provision", "GET", getURL, nil, &account, auth)
	switch {
	case err == nil && account.Active:
		a.logger.Debugw("account already exists, reusing",
			"server_sid", target.ServerSID, "username", identity.IdempotencyKey)
	case err == nil || vpn.IsRejected(err):
		secret, genErr := generateSecret()
		if genErr != nil {
			return nil, vpn.NewRejected(vpn.ProtocolIKEv2, "provision", genErr)
		}
		createURL := joinURL(target.Panel.BaseURL, "/api/accounts")
		body := map[string]any{"username": identity.IdempotencyKey, "password": secret}
		if err := a.client.doJSON(ctx, "provision", "POST", createURL, body, &account, auth); err != nil {
			return nil, err
		}
		account.Password = secret
	default:
		return nil, err
	}

	remoteID := target.Setting("remote_id", target.Address)
	settings := fmt.Sprintf(
		"server: %s\nremote-id: %s\nauth: eap-mschapv2\nusername: %s\nca: %s",
		target.Address, remoteID, account.Username, target.Setting("ca_name", "VPN Root CA"))

	payload := map[string]any{
		"uuid":      account.ID,
		"username":  account.Username,
		"server":    target.Address,
		"remote_id": remoteID,
	}
	if account.Password != "" {
		payload["password"] = account.Password
	}

	return &vpn.ProvisionResult{
		ClientID:         account.ID,
		ConfigPayload:    payload,
		ConnectionString: settings,
	}, nil
}

// Revoke deactivates the EAP account. An unknown account is success.
func (a *IKEv2Adapter) Revoke(ctx context.Context, target vpn.ServerTarget, clientID string) error {
	deleteURL := joinURL(target.Panel.BaseURL, "/api/accounts/"+url.PathEscape(clientID))
	err := a.client.doJSON(ctx, "revoke", "DELETE", deleteURL, nil, nil, basicAuth(target.Panel))
	if err != nil && vpn.IsRejected(err) {
		return nil
	}
	return err
}

// UsageQuery reads the accounting counters; the panel zeroes them on
// read.
func (a *IKEv2Adapter) UsageQuery(ctx context.Context, target vpn.ServerTarget, clientID string) (vpn.UsageReport, error) {
	var account ikev2Account
	statsURL := joinURL(target.Panel.BaseURL,
		fmt.Sprintf("/api/accounts/%s/stats?reset=true", url.PathEscape(clientID)))
	if err := a.client.doJSON(ctx, "usage_query", "GET", statsURL, nil, &account, basicAuth(target.Panel)); err != nil {
		if vpn.IsRejected(err) {
			return vpn.UsageReport{Present: false}, nil
		}
		return vpn.UsageReport{}, err
	}
	if !account.Active {
		return vpn.UsageReport{Present: false}, nil
	}
	return vpn.UsageReport{BytesSinceLast: account.RxBytes + account.TxBytes, Present: true}, nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate account secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
