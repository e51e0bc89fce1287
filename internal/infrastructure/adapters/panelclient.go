// Package adapters implements the per-protocol panel integrations.
// Every adapter maps its panel's HTTP surface onto the provisioning
// contract and classifies transport failures into the shared error
// taxonomy: timeouts and 5xx are panel-unavailable (retryable), 401
// and 403 are auth failures (fatal), other 4xx are rejections (pick
// another server).
package adapters

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/veil-labs/veil/internal/domain/vpn"
)

// panelClient is the HTTP client shared by the protocol adapters. Each
// call is one request; session handling is the adapter's concern.
type panelClient struct {
	http     *http.Client
	protocol vpn.Protocol
}

func newPanelClient(protocol vpn.Protocol) *panelClient {
	jar, _ := cookiejar.New(nil)
	return &panelClient{
		protocol: protocol,
		http: &http.Client{
			Jar: jar,
			Transport: &http.Transport{
				// Panels commonly run on self-signed certificates.
				TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// doJSON performs one request and decodes the response body into out
// when out is non-nil. Non-2xx statuses and transport failures come
// back already classified as AdapterErrors.
func (c *panelClient) doJSON(ctx context.Context, op, method, rawURL string, body any, out any, auth func(*http.Request)) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return vpn.NewRejected(c.protocol, op, fmt.Errorf("failed to encode request body: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return vpn.NewRejected(c.protocol, op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if auth != nil {
		auth(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.classifyStatus(op, resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return vpn.NewUnavailable(c.protocol, op, fmt.Errorf("failed to decode panel response: %w", err))
		}
	}
	return nil
}

// postForm performs a form-encoded POST, used by panels whose login
// endpoint predates their JSON API.
func (c *panelClient) postForm(ctx context.Context, op, rawURL string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return vpn.NewRejected(c.protocol, op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.classifyStatus(op, resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return vpn.NewUnavailable(c.protocol, op, fmt.Errorf("failed to decode panel response: %w", err))
		}
	}
	return nil
}

// getText fetches a plain-text resource, e.g. a rendered client
// profile.
func (c *panelClient) getText(ctx context.Context, op, rawURL string, auth func(*http.Request)) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", vpn.NewRejected(c.protocol, op, err)
	}
	if auth != nil {
		auth(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", c.classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", c.classifyStatus(op, resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", vpn.NewUnavailable(c.protocol, op, err)
	}
	return string(data), nil
}

// classifyTransport treats every transport-level failure, timeouts
// included, as panel-unavailable. Whether the remote call landed is
// unknown; the idempotency key makes the retry safe.
func (c *panelClient) classifyTransport(op string, err error) error {
	return vpn.NewUnavailable(c.protocol, op, err)
}

func (c *panelClient) classifyStatus(op string, resp *http.Response) error {
	// Bounded read keeps a misbehaving panel from ballooning memory.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cause := fmt.Errorf("panel returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return vpn.NewAuthFailed(c.protocol, op, cause)
	case resp.StatusCode >= 500:
		return vpn.NewUnavailable(c.protocol, op, cause)
	default:
		return vpn.NewRejected(c.protocol, op, cause)
	}
}

// basicAuth returns a request mutator applying HTTP basic auth from
// the panel settings, falling back to a bearer API key.
func basicAuth(panel vpn.Panel) func(*http.Request) {
	return func(req *http.Request) {
		switch {
		case panel.Username != "":
			req.SetBasicAuth(panel.Username, panel.Password)
		case panel.APIKey != "":
			req.Header.Set("Authorization", "Bearer "+panel.APIKey)
		}
	}
}

// joinURL glues a panel base URL and a path without doubling slashes.
func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
