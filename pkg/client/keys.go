package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// KeyMetadata is the public half of a signing key's record. Private material
// never leaves the server.
type KeyMetadata struct {
	KeyID     string     `json:"key_id"`
	Algorithm string     `json:"algorithm"`
	PublicKey string     `json:"public_key"` // hex encoded
	Status    string     `json:"status"`     // active, rotating, deprecated, revoked
	Custody   string     `json:"custody"`    // software, external
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`
}

// ListKeys fetches all signing keys from GET /api/v1/keys.
func (c *Client) ListKeys(ctx context.Context) ([]KeyMetadata, error) {
	body, err := c.get(ctx, "/api/v1/keys")
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		Keys []KeyMetadata `json:"keys"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("decode keys response: %w", err)
	}
	return wrapper.Keys, nil
}

// GetKey fetches one key's metadata by id.
func (c *Client) GetKey(ctx context.Context, keyID string) (*KeyMetadata, error) {
	body, err := c.get(ctx, "/api/v1/keys/"+url.PathEscape(keyID))
	if err != nil {
		return nil, err
	}

	var meta KeyMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("decode key metadata: %w", err)
	}
	return &meta, nil
}

// GenerateKey mints a new signing key via POST /api/v1/keys. An empty keyID
// lets the server pick a random one. Returns ErrKeyExists when the id is
// already taken.
func (c *Client) GenerateKey(ctx context.Context, keyID string) (*KeyMetadata, error) {
	b, err := json.Marshal(map[string]string{"key_id": keyID})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/keys", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	status, body, err := c.doStatusBody(req)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusConflict:
		return nil, ErrKeyExists
	case status == http.StatusUnauthorized:
		return nil, fmt.Errorf("unauthorized: %s", string(body))
	case status >= 300:
		return nil, fmt.Errorf("server error %d: %s", status, string(body))
	}

	var meta KeyMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("decode key metadata: %w", err)
	}
	return &meta, nil
}

// RotateKey deprecates a key and returns its successor's metadata. The old
// key keeps verifying history; only the successor signs new material.
func (c *Client) RotateKey(ctx context.Context, keyID string) (*KeyMetadata, error) {
	path := "/api/v1/keys/" + url.PathEscape(keyID) + "/rotate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var meta KeyMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("decode key metadata: %w", err)
	}
	return &meta, nil
}
