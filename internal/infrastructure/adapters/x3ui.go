package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/shared/logger"
)

// X3UIAdapter provisions VLESS clients on a 3X-UI panel. The panel
// authenticates with a session cookie obtained from a form login; the
// adapter caches one authenticated client per panel base URL and
// re-logs-in when the session expires.
type X3UIAdapter struct {
	logger logger.Interface

	mu       sync.Mutex
	sessions map[string]*x3uiSession
}

type x3uiSession struct {
	client   *panelClient
	loggedAt time.Time
}

const x3uiSessionTTL = time.Hour

func NewX3UIAdapter(log logger.Interface) *X3UIAdapter {
	return &X3UIAdapter{
		logger:   log.Named("x3ui"),
		sessions: make(map[string]*x3uiSession),
	}
}

func (a *X3UIAdapter) Protocol() vpn.Protocol {
	return vpn.ProtocolVLESS
}

// x3uiResponse is the envelope every 3X-UI endpoint answers with.
type x3uiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

type x3uiClient struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Enable bool   `json:"enable"`
	SubID  string `json:"subId"`
	Flow   string `json:"flow"`
}

type x3uiInbound struct {
	ID       int    `json:"id"`
	Protocol string `json:"protocol"`
	Port     int    `json:"port"`
	Settings string `json:"settings"`
}

type x3uiClientTraffic struct {
	Email string `json:"email"`
	Up    int64  `json:"up"`
	Down  int64  `json:"down"`
}

// Provision creates the VLESS client on the panel's VLESS inbound. The
// idempotency key is stored as the client email: if a client with that
// email already exists, its entry is returned instead of a duplicate.
func (a *X3UIAdapter) Provision(ctx context.Context, target vpn.ServerTarget, identity vpn.SubscriberIdentity) (*vpn.ProvisionResult, error) {
	session, err := a.session(ctx, target)
	if err != nil {
		return nil, err
	}

	inbound, err := a.vlessInbound(ctx, session, target)
	if err != nil {
		return nil, err
	}

	// Idempotency: a retried provision whose first attempt actually
	// landed finds the existing client here.
	if existing, ok := findClient(inbound, identity.IdempotencyKey); ok {
		a.logger.Debugw("client already exists, reusing",
			"server_sid", target.ServerSID, "email", identity.IdempotencyKey)
		return a.result(target, inbound, existing)
	}

	clientUUID := identity.ClientUUID
	if clientUUID == "" {
		clientUUID = uuid.NewString()
	}
	flow := target.Setting("flow", "xtls-rprx-vision")

	settings, err := json.Marshal(map[string]any{
		"clients": []map[string]any{{
			"id":     clientUUID,
			"email":  identity.IdempotencyKey,
			"enable": true,
			"flow":   flow,
			"subId":  identity.SubscriptionSID,
		}},
	})
	if err != nil {
		return nil, vpn.NewRejected(vpn.ProtocolVLESS, "provision", err)
	}

	var resp x3uiResponse
	addURL := joinURL(target.Panel.BaseURL, "/panel/inbound/addClient")
	body := map[string]any{"id": inbound.ID, "settings": string(settings)}
	if err := session.client.doJSON(ctx, "provision", "POST", addURL, body, &resp, nil); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, vpn.NewRejected(vpn.ProtocolVLESS, "provision",
			fmt.Errorf("panel refused addClient: %s", resp.Msg))
	}

	return a.result(target, inbound, x3uiClient{ID: clientUUID, Email: identity.IdempotencyKey, Flow: flow})
}

// Revoke deletes the client from the VLESS inbound. A client already
// gone is success.
func (a *X3UIAdapter) Revoke(ctx context.Context, target vpn.ServerTarget, clientID string) error {
	session, err := a.session(ctx, target)
	if err != nil {
		return err
	}

	inbound, err := a.vlessInbound(ctx, session, target)
	if err != nil {
		return err
	}

	var resp x3uiResponse
	delURL := joinURL(target.Panel.BaseURL, fmt.Sprintf("/panel/inbound/%d/delClient/%s", inbound.ID, clientID))
	if err := session.client.doJSON(ctx, "revoke", "POST", delURL, nil, &resp, nil); err != nil {
		if vpn.IsRejected(err) {
			// The panel answers 4xx for an unknown client; absent is
			// what revocation wants.
			return nil
		}
		return err
	}
	return nil
}

// UsageQuery reads the client traffic counters and resets them, so the
// reported bytes are the delta since the previous query. Presence is
// judged from the inbound's client list.
func (a *X3UIAdapter) UsageQuery(ctx context.Context, target vpn.ServerTarget, clientID string) (vpn.UsageReport, error) {
	session, err := a.session(ctx, target)
	if err != nil {
		return vpn.UsageReport{}, err
	}

	inbound, err := a.vlessInbound(ctx, session, target)
	if err != nil {
		return vpn.UsageReport{}, err
	}
	client, ok := findClientByID(inbound, clientID)
	if !ok {
		return vpn.UsageReport{Present: false}, nil
	}

	var trafficResp x3uiResponse
	trafficURL := joinURL(target.Panel.BaseURL,
		"/panel/api/inbounds/getClientTraffics/"+url.PathEscape(client.Email))
	if err := session.client.doJSON(ctx, "usage_query", "GET", trafficURL, nil, &trafficResp, nil); err != nil {
		return vpn.UsageReport{}, err
	}

	var traffic x3uiClientTraffic
	if trafficResp.Success && len(trafficResp.Obj) > 0 {
		if err := json.Unmarshal(trafficResp.Obj, &traffic); err != nil {
			return vpn.UsageReport{}, vpn.NewUnavailable(vpn.ProtocolVLESS, "usage_query",
				fmt.Errorf("failed to decode traffic: %w", err))
		}
	}

	total := traffic.Up + traffic.Down
	if total > 0 {
		var resetResp x3uiResponse
		resetURL := joinURL(target.Panel.BaseURL,
			fmt.Sprintf("/panel/api/inbounds/%d/resetClientTraffic/%s", inbound.ID, url.PathEscape(client.Email)))
		if err := session.client.doJSON(ctx, "usage_query", "POST", resetURL, nil, &resetResp, nil); err != nil {
			// Without the reset the same bytes would be counted again
			// next cycle; report zero and let the next query retry.
			a.logger.Warnw("failed to reset client traffic, deferring to next poll",
				"server_sid", target.ServerSID, "email", client.Email, "error", err)
			return vpn.UsageReport{Present: true}, nil
		}
	}

	return vpn.UsageReport{BytesSinceLast: total, Present: true}, nil
}

// session returns an authenticated panel client, logging in again when
// the cached session has aged out.
func (a *X3UIAdapter) session(ctx context.Context, target vpn.ServerTarget) (*x3uiSession, error) {
	a.mu.Lock()
	s, ok := a.sessions[target.Panel.BaseURL]
	if ok && time.Since(s.loggedAt) < x3uiSessionTTL {
		a.mu.Unlock()
		return s, nil
	}
	a.mu.Unlock()

	client := newPanelClient(vpn.ProtocolVLESS)
	form := url.Values{}
	form.Set("username", target.Panel.Username)
	form.Set("password", target.Panel.Password)

	var resp x3uiResponse
	loginURL := joinURL(target.Panel.BaseURL, "/login")
	if err := client.postForm(ctx, "login", loginURL, form, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, vpn.NewAuthFailed(vpn.ProtocolVLESS, "login",
			fmt.Errorf("panel rejected login: %s", resp.Msg))
	}

	s = &x3uiSession{client: client, loggedAt: time.Now()}
	a.mu.Lock()
	a.sessions[target.Panel.BaseURL] = s
	a.mu.Unlock()
	return s, nil
}

// vlessInbound finds the panel's VLESS inbound.
func (a *X3UIAdapter) vlessInbound(ctx context.Context, session *x3uiSession, target vpn.ServerTarget) (*x3uiInbound, error) {
	var resp x3uiResponse
	listURL := joinURL(target.Panel.BaseURL, "/panel/inbound/list")
	if err := session.client.doJSON(ctx, "inbound_list", "POST", listURL, nil, &resp, nil); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, vpn.NewUnavailable(vpn.ProtocolVLESS, "inbound_list",
			fmt.Errorf("panel refused inbound list: %s", resp.Msg))
	}

	var inbounds []x3uiInbound
	if err := json.Unmarshal(resp.Obj, &inbounds); err != nil {
		return nil, vpn.NewUnavailable(vpn.ProtocolVLESS, "inbound_list",
			fmt.Errorf("failed to decode inbounds: %w", err))
	}
	for i := range inbounds {
		if inbounds[i].Protocol == "vless" {
			return &inbounds[i], nil
		}
	}
	return nil, vpn.NewRejected(vpn.ProtocolVLESS, "inbound_list",
		fmt.Errorf("server %s has no vless inbound", target.ServerSID))
}

func findClient(inbound *x3uiInbound, email string) (x3uiClient, bool) {
	for _, c := range parseClients(inbound) {
		if c.Email == email {
			return c, true
		}
	}
	return x3uiClient{}, false
}

func findClientByID(inbound *x3uiInbound, id string) (x3uiClient, bool) {
	for _, c := range parseClients(inbound) {
		if c.ID == id {
			return c, true
		}
	}
	return x3uiClient{}, false
}

func parseClients(inbound *x3uiInbound) []x3uiClient {
	var settings struct {
		Clients []x3uiClient `json:"clients"`
	}
	if err := json.Unmarshal([]byte(inbound.Settings), &settings); err != nil {
		return nil
	}
	return settings.Clients
}

// result assembles the provision outcome: the opaque payload plus the
// vless:// connection URI clients import directly.
func (a *X3UIAdapter) result(target vpn.ServerTarget, inbound *x3uiInbound, client x3uiClient) (*vpn.ProvisionResult, error) {
	port := target.Setting("port", fmt.Sprintf("%d", inbound.Port))

	query := url.Values{}
	query.Set("encryption", "none")
	query.Set("security", target.Setting("security", "reality"))
	query.Set("type", target.Setting("network", "tcp"))
	query.Set("headerType", "none")
	if flow := client.Flow; flow != "" {
		query.Set("flow", flow)
	}
	if sni := target.Setting("sni", ""); sni != "" {
		query.Set("sni", sni)
	}
	if pbk := target.Setting("public_key", ""); pbk != "" {
		query.Set("pbk", pbk)
	}
	if sid := target.Setting("short_id", ""); sid != "" {
		query.Set("sid", sid)
	}
	if fp := target.Setting("fingerprint", "chrome"); fp != "" {
		query.Set("fp", fp)
	}

	uri := fmt.Sprintf("vless://%s@%s:%s?%s#%s",
		client.ID, target.Address, port, query.Encode(), url.PathEscape(client.Email))

	return &vpn.ProvisionResult{
		ClientID: client.ID,
		ConfigPayload: map[string]any{
			"uuid":       client.ID,
			"email":      client.Email,
			"address":    target.Address,
			"port":       port,
			"flow":       client.Flow,
			"security":   target.Setting("security", "reality"),
			"network":    target.Setting("network", "tcp"),
			"inbound_id": inbound.ID,
		},
		ConnectionString: uri,
	}, nil
}
