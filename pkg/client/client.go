// Package client provides the SONATE Go SDK for issuing trust receipts,
// feeding audit events, and verifying chains against a trust core server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrKeyExists is returned by GenerateKey when the requested key id is
// already taken.
var ErrKeyExists = errors.New("key already exists")

// Payload is the application content covered by a receipt's integrity hash.
type Payload struct {
	Version   string             `json:"version"`
	SessionID string             `json:"session_id"`
	AgentID   string             `json:"agent_id,omitempty"`
	Timestamp int64              `json:"timestamp"` // unix milliseconds
	Mode      string             `json:"mode"`      // constitutional or directive
	Metrics   map[string]float64 `json:"metrics"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
}

// Receipt is a signed trust receipt as issued by the server.
type Receipt struct {
	Payload        Payload   `json:"payload"`
	IntegrityHash  string    `json:"integrity_hash"`
	PreviousHash   string    `json:"previous_hash,omitempty"`
	ChainSignature string    `json:"chain_signature"`
	KeyID          string    `json:"key_id"`
	PublicKey      string    `json:"public_key,omitempty"`
	IssuedAt       time.Time `json:"issued_at"`
}

// VerifyResult is the outcome of a receipt verification. A false Valid is
// data, not an error: Reason says which check failed.
type VerifyResult struct {
	Valid         bool   `json:"valid"`
	IntegrityHash string `json:"integrity_hash,omitempty"`
	KeyID         string `json:"key_id,omitempty"`
	KeyStatus     string `json:"key_status,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ChainIssue pinpoints a single broken link in a chain report.
type ChainIssue struct {
	Hash   string `json:"hash"`
	Reason string `json:"reason"`
}

// ChainReport summarizes a walk over a session's receipt chain.
type ChainReport struct {
	Valid         bool         `json:"valid"`
	TotalLinks    int          `json:"total_links"`
	VerifiedLinks int          `json:"verified_links"`
	BrokenAt      string       `json:"broken_at,omitempty"`
	Issues        []ChainIssue `json:"issues,omitempty"`
}

// SessionResult holds a session's receipts in issue order plus the
// verification report over the whole chain.
type SessionResult struct {
	SessionID string      `json:"session_id"`
	Receipts  []Receipt   `json:"receipts"`
	Chain     ChainReport `json:"chain"`
}

// SigningHealth reports the state of the server's signing backend.
type SigningHealth struct {
	State   string `json:"state"` // ok, degraded, down
	Backend string `json:"backend"`
	Detail  string `json:"detail,omitempty"`
	Keys    int    `json:"keys,omitempty"`
}

// Health is the server's /healthz response.
type Health struct {
	Initialized bool          `json:"initialized"`
	Signing     SigningHealth `json:"signing"`
	AuditChain  bool          `json:"audit_chain_valid"`
	AuditEvents int           `json:"audit_events"`
}

// Client is the SONATE SDK entry point.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithToken attaches a service token to every request. Mutating routes
// reject requests without one unless the server runs unguarded.
func WithToken(token string) Option {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithTimeout sets the per-request timeout. The default is 10 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient.Timeout = d
		return nil
	}
}

// New creates a Client connected to baseURL.
//
//	c, err := client.New("https://trust.example.com",
//	    client.WithToken(os.Getenv("SONATE_TOKEN")),
//	)
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("base URL must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// CreateReceipt posts a payload to /api/v1/receipts and returns the signed
// receipt. When the session already has receipts the server chains the new
// one from the session tip.
func (c *Client) CreateReceipt(ctx context.Context, p Payload) (*Receipt, error) {
	body, err := c.postJSON(ctx, "/api/v1/receipts", p)
	if err != nil {
		return nil, err
	}

	var r Receipt
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &r, nil
}

// VerifyReceipt checks a receipt against the server. publicKey may be empty
// to verify against the server's key registry; previous may be nil when the
// receipt's chain linkage is not being checked.
func (c *Client) VerifyReceipt(ctx context.Context, rec *Receipt, publicKey string, previous *Receipt) (*VerifyResult, error) {
	payload := map[string]any{"receipt": rec}
	if publicKey != "" {
		payload["public_key"] = publicKey
	}
	if previous != nil {
		payload["previous"] = previous
	}

	body, err := c.postJSON(ctx, "/api/v1/receipts/verify", payload)
	if err != nil {
		return nil, err
	}

	var res VerifyResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode verify result: %w", err)
	}
	return &res, nil
}

// SessionReceipts fetches a session's receipts plus the chain report from
// GET /api/v1/receipts/:session.
func (c *Client) SessionReceipts(ctx context.Context, sessionID string) (*SessionResult, error) {
	body, err := c.get(ctx, "/api/v1/receipts/"+url.PathEscape(sessionID))
	if err != nil {
		return nil, err
	}

	var res SessionResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode session response: %w", err)
	}
	return &res, nil
}

// Health fetches /healthz. The server answers 503 while uninitialized or
// when signing is down; the body is decoded either way.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	status, body, err := c.doStatusBody(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("server error %d: %s", status, string(body))
	}

	var h Health
	if err := json.Unmarshal(body, &h); err != nil {
		return nil, fmt.Errorf("decode health response: %w", err)
	}
	return &h, nil
}

// get performs a GET against path and returns the response body.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

// postJSON performs a POST with a JSON body and returns the response body.
func (c *Client) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

// do executes an HTTP request, attaching the service token if present.
func (c *Client) do(req *http.Request) ([]byte, error) {
	status, body, err := c.doStatusBody(req)
	if err != nil {
		return nil, err
	}

	if status == http.StatusNotFound {
		return nil, fmt.Errorf("not found: %s", req.URL.Path)
	}
	if status == http.StatusUnauthorized {
		return nil, fmt.Errorf("unauthorized: %s", string(body))
	}
	if status >= 300 {
		return nil, fmt.Errorf("server error %d: %s", status, string(body))
	}
	return body, nil
}

// doStatusBody is a lower-level HTTP call that returns (statusCode, body,
// error) without failing on 4xx responses. The caller interprets the status.
func (c *Client) doStatusBody(req *http.Request) (int, []byte, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}
