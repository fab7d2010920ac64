// Package cloud is the HTTP client for the edgeguard cloud: the rule
// authority, the event ingestion API and the connectivity probe.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hyperengineering/edgeguard"
)

// UserAgent identifies node requests.
const UserAgent = "edgeguard-node/1.0"

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 16 << 20

// HTTPClient implements edgeguard.Cloud over the cloud REST API.
// It is safe for concurrent use.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	clinicID   string
	httpClient *http.Client
	debug      *DebugLogger
}

var _ edgeguard.Cloud = (*HTTPClient)(nil)

// NewHTTPClient creates a client for cloudURL. clinicID is sent as
// X-Edgeguard-Clinic-ID when non-empty.
func NewHTTPClient(cloudURL, apiKey, clinicID string) *HTTPClient {
	return &HTTPClient{
		baseURL:  strings.TrimSuffix(cloudURL, "/"),
		apiKey:   apiKey,
		clinicID: clinicID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithHTTPClient sets a custom http.Client (for testing or custom transports).
func (c *HTTPClient) WithHTTPClient(client *http.Client) *HTTPClient {
	c.httpClient = client
	return c
}

// WithDebug enables wire logging. d may be nil.
func (c *HTTPClient) WithDebug(d *DebugLogger) *HTTPClient {
	if d != nil {
		d.secret = c.apiKey
	}
	c.debug = d
	return c
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.clinicID) != "" {
		req.Header.Set("X-Edgeguard-Clinic-ID", c.clinicID)
	}
}

func newStatusError(op string, kind error, statusCode int, body []byte) *edgeguard.CloudError {
	msg := ""
	if len(body) > 0 && statusCode >= 400 {
		if len(body) > 200 {
			msg = string(body[:200]) + "..."
		} else {
			msg = string(body)
		}
	}
	return &edgeguard.CloudError{
		Operation:  op,
		StatusCode: statusCode,
		Err:        fmt.Errorf("HTTP %d: %s", statusCode, msg),
		Kind:       kind,
	}
}

// do performs one request and returns the body of a 2xx response. Every
// failure is a *edgeguard.CloudError matching kind.
func (c *HTTPClient) do(ctx context.Context, op string, kind error, method, path string, body []byte, header http.Header) ([]byte, error) {
	fail := func(status int, err error) error {
		c.debug.LogError(op, err)
		return &edgeguard.CloudError{Operation: op, StatusCode: status, Err: err, Kind: kind}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fail(0, err)
	}
	c.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}

	c.debug.LogRequest(op, method, req.URL.String(), body)
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fail(0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.debug.LogResponse(op, resp.StatusCode, respBody, time.Since(start))
	if err != nil {
		return nil, fail(resp.StatusCode, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := newStatusError(op, kind, resp.StatusCode, respBody)
		c.debug.LogError(op, e)
		return nil, e
	}
	return respBody, nil
}

// Probe checks that the cloud answers its health endpoint.
func (c *HTTPClient) Probe(ctx context.Context) error {
	_, err := c.do(ctx, "probe", edgeguard.ErrConnectivity, http.MethodGet, "/api/v1/health", nil, nil)
	return err
}

// FetchManifest returns the currently published rule version.
func (c *HTTPClient) FetchManifest(ctx context.Context) (*edgeguard.RuleManifest, error) {
	body, err := c.do(ctx, "fetch_manifest", edgeguard.ErrConnectivity, http.MethodGet, "/api/v1/rules/manifest", nil, nil)
	if err != nil {
		return nil, err
	}

	var m edgeguard.RuleManifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, &edgeguard.CloudError{Operation: "fetch_manifest", StatusCode: http.StatusOK, Err: fmt.Errorf("decode manifest: %w", err)}
	}
	return &m, nil
}

// FetchRules returns every rule of version. The body is validated against
// the embedded rules schema before it is decoded.
func (c *HTTPClient) FetchRules(ctx context.Context, version string) ([]edgeguard.RuleSnapshot, error) {
	path := "/api/v1/rules?version=" + url.QueryEscape(version)
	body, err := c.do(ctx, "fetch_rules", edgeguard.ErrConnectivity, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}

	invalid := func(err error) error {
		c.debug.LogError("fetch_rules", err)
		return &edgeguard.CloudError{Operation: "fetch_rules", StatusCode: http.StatusOK, Err: err}
	}

	if err := ValidateRulesPayload(body); err != nil {
		return nil, invalid(err)
	}

	var resp rulesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, invalid(fmt.Errorf("decode rules: %w", err))
	}
	if resp.Version != version {
		return nil, invalid(fmt.Errorf("response carries version %q, requested %q", resp.Version, version))
	}
	return resp.Rules, nil
}

// Deliver posts one outbox item to the ingestion API. The item ID is sent
// as the Idempotency-Key so redelivery after a lost acknowledgement is safe.
func (c *HTTPClient) Deliver(ctx context.Context, req edgeguard.DeliveryRequest) error {
	if req.ID == "" {
		return &edgeguard.CloudError{Operation: "deliver", Err: errors.New("missing idempotency key"), Kind: edgeguard.ErrDeliveryFailed}
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("null")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return &edgeguard.CloudError{Operation: "deliver", Err: err, Kind: edgeguard.ErrDeliveryFailed}
	}

	header := http.Header{"Idempotency-Key": []string{req.ID}}
	_, err = c.do(ctx, "deliver", edgeguard.ErrDeliveryFailed, http.MethodPost, "/api/v1/events", body, header)
	return err
}
