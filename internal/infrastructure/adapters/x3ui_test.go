package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/shared/logger"
)

// fakePanel emulates the 3X-UI HTTP surface closely enough to exercise
// login, idempotent provisioning, revocation, and traffic queries.
type fakePanel struct {
	mu       sync.Mutex
	username string
	password string
	logins   int
	clients  []x3uiClient
	traffic  map[string]x3uiClientTraffic
	adds     int
}

func newFakePanel() *fakePanel {
	return &fakePanel{
		username: "admin",
		password: "secret",
		traffic:  make(map[string]x3uiClientTraffic),
	}
}

func (p *fakePanel) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		p.mu.Lock()
		p.logins++
		ok := r.FormValue("username") == p.username && r.FormValue("password") == p.password
		p.mu.Unlock()
		writeEnvelope(w, ok, map[string]any{})
	})
	mux.HandleFunc("/panel/inbound/list", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		settings, _ := json.Marshal(map[string]any{"clients": p.clients})
		p.mu.Unlock()
		writeEnvelope(w, true, []x3uiInbound{{
			ID:       3,
			Protocol: "vless",
			Port:     443,
			Settings: string(settings),
		}})
	})
	mux.HandleFunc("/panel/inbound/addClient", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID       int    `json:"id"`
			Settings string `json:"settings"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		var settings struct {
			Clients []x3uiClient `json:"clients"`
		}
		json.Unmarshal([]byte(body.Settings), &settings)
		p.mu.Lock()
		p.adds++
		p.clients = append(p.clients, settings.Clients...)
		p.mu.Unlock()
		writeEnvelope(w, true, nil)
	})
	mux.HandleFunc("/panel/inbound/3/delClient/", func(w http.ResponseWriter, r *http.Request) {
		clientID := strings.TrimPrefix(r.URL.Path, "/panel/inbound/3/delClient/")
		p.mu.Lock()
		var kept []x3uiClient
		found := false
		for _, c := range p.clients {
			if c.ID == clientID {
				found = true
				continue
			}
			kept = append(kept, c)
		}
		p.clients = kept
		p.mu.Unlock()
		if !found {
			http.Error(w, "client not found", http.StatusNotFound)
			return
		}
		writeEnvelope(w, true, nil)
	})
	mux.HandleFunc("/panel/api/inbounds/getClientTraffics/", func(w http.ResponseWriter, r *http.Request) {
		email := strings.TrimPrefix(r.URL.Path, "/panel/api/inbounds/getClientTraffics/")
		p.mu.Lock()
		traffic := p.traffic[email]
		p.mu.Unlock()
		writeEnvelope(w, true, traffic)
	})
	mux.HandleFunc("/panel/api/inbounds/3/resetClientTraffic/", func(w http.ResponseWriter, r *http.Request) {
		email := strings.TrimPrefix(r.URL.Path, "/panel/api/inbounds/3/resetClientTraffic/")
		p.mu.Lock()
		delete(p.traffic, email)
		p.mu.Unlock()
		writeEnvelope(w, true, nil)
	})
	return mux
}

func writeEnvelope(w http.ResponseWriter, success bool, obj any) {
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{"success": success, "msg": ""}
	if obj != nil {
		resp["obj"] = obj
	}
	if !success {
		resp["msg"] = "request failed"
	}
	json.NewEncoder(w).Encode(resp)
}

func targetFor(ts *httptest.Server) vpn.ServerTarget {
	return vpn.ServerTarget{
		ServerSID: "srv_test",
		Address:   "vpn.example.net",
		Panel: vpn.Panel{
			BaseURL:  ts.URL,
			Username: "admin",
			Password: "secret",
		},
	}
}

func identityFor(sid string) vpn.SubscriberIdentity {
	return vpn.SubscriberIdentity{
		SubscriptionSID: sid,
		ClientUUID:      "8f14e45f-ea4c-4b5c-9a3b-000000000001",
		IdempotencyKey:  sid + ":vless",
	}
}

func TestX3UIProvision_CreatesVLESSClient(t *testing.T) {
	panel := newFakePanel()
	ts := httptest.NewServer(panel.handler())
	defer ts.Close()

	adapter := NewX3UIAdapter(logger.NewLogger())
	result, err := adapter.Provision(context.Background(), targetFor(ts), identityFor("sub_abc123"))
	require.NoError(t, err)

	assert.Equal(t, "8f14e45f-ea4c-4b5c-9a3b-000000000001", result.ClientID)
	assert.True(t, strings.HasPrefix(result.ConnectionString, "vless://"))
	assert.Contains(t, result.ConnectionString, "vpn.example.net:443")
	assert.Equal(t, "sub_abc123:vless", result.ConfigPayload["email"])
	assert.Equal(t, 1, panel.adds)
}

func TestX3UIProvision_ReusesExistingClient(t *testing.T) {
	panel := newFakePanel()
	ts := httptest.NewServer(panel.handler())
	defer ts.Close()

	adapter := NewX3UIAdapter(logger.NewLogger())
	first, err := adapter.Provision(context.Background(), targetFor(ts), identityFor("sub_abc123"))
	require.NoError(t, err)

	// A retried delivery must find the landed client, not duplicate it.
	second, err := adapter.Provision(context.Background(), targetFor(ts), identityFor("sub_abc123"))
	require.NoError(t, err)

	assert.Equal(t, first.ClientID, second.ClientID)
	assert.Equal(t, 1, panel.adds)
	assert.Len(t, panel.clients, 1)
}

func TestX3UIRevoke_TreatsAbsentClientAsSuccess(t *testing.T) {
	panel := newFakePanel()
	ts := httptest.NewServer(panel.handler())
	defer ts.Close()

	adapter := NewX3UIAdapter(logger.NewLogger())
	result, err := adapter.Provision(context.Background(), targetFor(ts), identityFor("sub_abc123"))
	require.NoError(t, err)

	require.NoError(t, adapter.Revoke(context.Background(), targetFor(ts), result.ClientID))
	assert.Empty(t, panel.clients)

	// The panel answers 404 for the vanished client; still success.
	require.NoError(t, adapter.Revoke(context.Background(), targetFor(ts), result.ClientID))
}

func TestX3UIUsageQuery_ReportsAndResetsDelta(t *testing.T) {
	panel := newFakePanel()
	ts := httptest.NewServer(panel.handler())
	defer ts.Close()

	adapter := NewX3UIAdapter(logger.NewLogger())
	result, err := adapter.Provision(context.Background(), targetFor(ts), identityFor("sub_abc123"))
	require.NoError(t, err)

	email := "sub_abc123:vless"
	panel.mu.Lock()
	panel.traffic[email] = x3uiClientTraffic{Email: email, Up: 1 << 20, Down: 3 << 20}
	panel.mu.Unlock()

	report, err := adapter.UsageQuery(context.Background(), targetFor(ts), result.ClientID)
	require.NoError(t, err)
	assert.True(t, report.Present)
	assert.Equal(t, int64(4<<20), report.BytesSinceLast)

	// Counters were reset, the next poll reports only new bytes.
	report, err = adapter.UsageQuery(context.Background(), targetFor(ts), result.ClientID)
	require.NoError(t, err)
	assert.True(t, report.Present)
	assert.Equal(t, int64(0), report.BytesSinceLast)
}

func TestX3UIUsageQuery_UnknownClientIsAbsent(t *testing.T) {
	panel := newFakePanel()
	ts := httptest.NewServer(panel.handler())
	defer ts.Close()

	adapter := NewX3UIAdapter(logger.NewLogger())
	report, err := adapter.UsageQuery(context.Background(), targetFor(ts), "never-provisioned")
	require.NoError(t, err)
	assert.False(t, report.Present)
	assert.Equal(t, int64(0), report.BytesSinceLast)
}

func TestX3UILogin_RejectedCredentialsAreFatal(t *testing.T) {
	panel := newFakePanel()
	ts := httptest.NewServer(panel.handler())
	defer ts.Close()

	target := targetFor(ts)
	target.Panel.Password = "wrong"

	adapter := NewX3UIAdapter(logger.NewLogger())
	_, err := adapter.Provision(context.Background(), target, identityFor("sub_abc123"))
	require.Error(t, err)
	assert.True(t, vpn.IsAuthFailed(err))
}

func TestX3UISessionIsCachedPerPanel(t *testing.T) {
	panel := newFakePanel()
	ts := httptest.NewServer(panel.handler())
	defer ts.Close()

	adapter := NewX3UIAdapter(logger.NewLogger())
	_, err := adapter.Provision(context.Background(), targetFor(ts), identityFor("sub_abc123"))
	require.NoError(t, err)
	_, err = adapter.UsageQuery(context.Background(), targetFor(ts), identityFor("sub_abc123").ClientUUID)
	require.NoError(t, err)

	assert.Equal(t, 1, panel.logins)
}

func TestPanelClientClassifiesStatuses(t *testing.T) {
	cases := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"unauthorized is fatal", http.StatusUnauthorized, vpn.IsAuthFailed},
		{"forbidden is fatal", http.StatusForbidden, vpn.IsAuthFailed},
		{"server error is retryable", http.StatusInternalServerError, vpn.IsUnavailable},
		{"bad gateway is retryable", http.StatusBadGateway, vpn.IsUnavailable},
		{"conflict rejects the server", http.StatusConflict, vpn.IsRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer ts.Close()

			client := newPanelClient(vpn.ProtocolVLESS)
			err := client.doJSON(context.Background(), "probe", http.MethodGet, ts.URL, nil, nil, nil)
			require.Error(t, err)
			assert.True(t, tc.check(err), "unexpected classification: %v", err)
		})
	}
}

func TestPanelClientClassifiesTransportFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close()

	client := newPanelClient(vpn.ProtocolVLESS)
	err := client.doJSON(context.Background(), "probe", http.MethodGet, ts.URL, nil, nil, nil)
	require.Error(t, err)
	assert.True(t, vpn.IsUnavailable(err), fmt.Sprintf("unexpected classification: %v", err))
}
