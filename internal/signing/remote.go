package signing

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
)

// RemoteBackend delegates key custody to an external signer over HTTPS.
// Private keys never enter this process; every operation is a request to
// the custody service. Transport failures surface as ErrSigningUnavailable
// so callers can fall back or retry, never as a tamper verdict.
type RemoteBackend struct {
	name   string
	base   string
	token  string
	http   *http.Client
	logger *zap.Logger
}

// NewRemoteBackend connects the adapter and probes the custody service once.
// An unreachable service fails construction so Open can fall back.
func NewRemoteBackend(ctx context.Context, cfg BackendConfig, logger *zap.Logger) (*RemoteBackend, error) {
	if cfg.Endpoint == "" {
		return nil, &ConfigError{Backend: cfg.Name, Err: fmt.Errorf("remote backend needs an endpoint")}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	var hc *http.Client
	if cfg.OAuth != nil {
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}
		hc = cc.Client(context.Background())
		hc.Timeout = timeout
	} else {
		hc = &http.Client{Timeout: timeout}
	}

	b := &RemoteBackend{
		name:   cfg.Name,
		base:   strings.TrimRight(cfg.Endpoint, "/"),
		token:  cfg.Token,
		http:   hc,
		logger: logger,
	}
	if err := b.ping(ctx); err != nil {
		return nil, fmt.Errorf("probe %s: %w", b.base, err)
	}
	return b, nil
}

func (b *RemoteBackend) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.base+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	b.authorize(req)
	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("custody service returned status %d", resp.StatusCode)
	}
	return nil
}

// GenerateKeyPair implements Backend.
func (b *RemoteBackend) GenerateKeyPair(ctx context.Context, keyID string) (*KeyMetadata, error) {
	var meta KeyMetadata
	err := b.do(ctx, http.MethodPost, "/v1/keys", map[string]string{"key_id": keyID}, &meta)
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", keyID, err)
	}
	meta.Custody = CustodyExternal
	return &meta, nil
}

// Sign implements Backend. The caller's context bounds the call; pass a
// deadline to keep a slow custody service from stalling receipt issuance.
func (b *RemoteBackend) Sign(ctx context.Context, keyID string, message []byte) ([]byte, error) {
	var out struct {
		Signature string `json:"signature"`
	}
	path := "/v1/keys/" + keyID + "/sign"
	if err := b.do(ctx, http.MethodPost, path, map[string]string{"message": hex.EncodeToString(message)}, &out); err != nil {
		return nil, fmt.Errorf("sign with %s: %w", keyID, err)
	}
	sig, err := hex.DecodeString(out.Signature)
	if err != nil {
		return nil, fmt.Errorf("sign with %s: decode signature: %w", keyID, err)
	}
	return sig, nil
}

// Verify implements Backend. Verification happens locally against the key's
// public half so a custody outage cannot flip a verdict; only the metadata
// fetch travels to the service.
func (b *RemoteBackend) Verify(ctx context.Context, keyID string, message, signature []byte) (bool, error) {
	meta, err := b.Metadata(ctx, keyID)
	if err != nil {
		return false, err
	}
	pub, err := ParsePublicKey(meta.PublicKey)
	if err != nil {
		return false, fmt.Errorf("verify with %s: %w", keyID, err)
	}
	return ed25519.Verify(pub, message, signature), nil
}

// RotateKey implements Backend.
func (b *RemoteBackend) RotateKey(ctx context.Context, keyID string) (*KeyMetadata, error) {
	var meta KeyMetadata
	if err := b.do(ctx, http.MethodPost, "/v1/keys/"+keyID+"/rotate", nil, &meta); err != nil {
		return nil, fmt.Errorf("rotate %s: %w", keyID, err)
	}
	meta.Custody = CustodyExternal
	return &meta, nil
}

// Revoke implements Backend.
func (b *RemoteBackend) Revoke(ctx context.Context, keyID string) error {
	if err := b.do(ctx, http.MethodPost, "/v1/keys/"+keyID+"/revoke", nil, nil); err != nil {
		return fmt.Errorf("revoke %s: %w", keyID, err)
	}
	return nil
}

// Metadata implements Backend.
func (b *RemoteBackend) Metadata(ctx context.Context, keyID string) (*KeyMetadata, error) {
	var meta KeyMetadata
	if err := b.do(ctx, http.MethodGet, "/v1/keys/"+keyID, nil, &meta); err != nil {
		return nil, fmt.Errorf("metadata for %s: %w", keyID, err)
	}
	meta.Custody = CustodyExternal
	return &meta, nil
}

// ListKeys implements Backend.
func (b *RemoteBackend) ListKeys(ctx context.Context) ([]*KeyMetadata, error) {
	var out struct {
		Keys []*KeyMetadata `json:"keys"`
	}
	if err := b.do(ctx, http.MethodGet, "/v1/keys", nil, &out); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	for _, k := range out.Keys {
		k.Custody = CustodyExternal
	}
	return out.Keys, nil
}

// Health implements Backend.
func (b *RemoteBackend) Health(ctx context.Context) Health {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := b.ping(probeCtx); err != nil {
		return Health{State: HealthDown, Backend: b.name, Detail: err.Error()}
	}
	return Health{State: HealthOK, Backend: b.name}
}

// Name implements Backend.
func (b *RemoteBackend) Name() string { return b.name }

func (b *RemoteBackend) authorize(req *http.Request) {
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
}

// do runs one request against the custody service. Status 404 maps to
// ErrKeyNotFound; transport failures and 5xx map to ErrSigningUnavailable.
func (b *RemoteBackend) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	b.authorize(req)

	resp, err := b.http.Do(req)
	if err != nil {
		b.logger.Warn("custody request failed",
			zap.String("path", path),
			zap.Error(err),
		)
		return fmt.Errorf("%s %s: %w", method, path, ErrSigningUnavailable)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrKeyNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("custody service returned status %d: %w", resp.StatusCode, ErrSigningUnavailable)
	case resp.StatusCode >= 400:
		return fmt.Errorf("custody service rejected request with status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
