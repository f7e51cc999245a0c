package signing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Backend signs and verifies on behalf of the platform. Implementations
// differ in custody: SoftwareBackend keeps keys in process, RemoteBackend
// delegates to an external signer and never sees private material.
type Backend interface {
	// GenerateKeyPair creates a new Ed25519 key under keyID. An empty id
	// lets the backend mint one.
	GenerateKeyPair(ctx context.Context, keyID string) (*KeyMetadata, error)

	// Sign signs message with the named key. Only active keys sign.
	Sign(ctx context.Context, keyID string, message []byte) ([]byte, error)

	// Verify checks signature over message against the named key. Keys in
	// any lifecycle state verify; an invalid signature is (false, nil),
	// not an error.
	Verify(ctx context.Context, keyID string, message, signature []byte) (bool, error)

	// RotateKey deprecates the named key and mints its successor under a
	// fresh versioned id. The deprecated key keeps verifying forever.
	RotateKey(ctx context.Context, keyID string) (*KeyMetadata, error)

	// Revoke removes the key from signing use immediately. Unlike
	// rotation it mints no successor.
	Revoke(ctx context.Context, keyID string) error

	// Metadata returns the public description of one key.
	Metadata(ctx context.Context, keyID string) (*KeyMetadata, error)

	// ListKeys returns public descriptions of all keys in creation order.
	ListKeys(ctx context.Context) ([]*KeyMetadata, error)

	// Health reports the backend's operational condition.
	Health(ctx context.Context) Health

	// Name identifies the backend in logs and health reports.
	Name() string
}

// HealthState is the coarse backend condition.
type HealthState string

const (
	HealthOK       HealthState = "ok"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
)

// Health reports a backend's operational condition.
type Health struct {
	State   HealthState `json:"state"`
	Backend string      `json:"backend"`
	Detail  string      `json:"detail,omitempty"`
	Keys    int         `json:"keys,omitempty"`
}

// Backend kinds accepted in BackendConfig.
const (
	KindSoftware = "software"
	KindRemote   = "remote"
)

// BackendConfig selects and configures one signing backend candidate.
type BackendConfig struct {
	Kind string
	Name string

	// Software custody.
	KeystorePath string
	Passphrase   string

	// Remote custody.
	Endpoint string
	Token    string
	OAuth    *OAuthConfig
	Timeout  time.Duration
}

// OAuthConfig authenticates the remote adapter with the client credentials
// grant.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Open brings up the first usable backend from cfgs, in order. A candidate
// that fails to initialise is logged and skipped; when a later candidate
// wins, the returned backend reports degraded health naming what was passed
// over. All candidates failing is a configuration error.
func Open(ctx context.Context, cfgs []BackendConfig, logger *zap.Logger) (Backend, error) {
	if len(cfgs) == 0 {
		return nil, &ConfigError{Backend: "none", Err: errors.New("no signing backends configured")}
	}

	var skipped []string
	for _, cfg := range cfgs {
		b, err := newBackend(ctx, cfg, logger)
		if err != nil {
			logger.Warn("signing backend unavailable, trying next",
				zap.String("backend", cfg.Name),
				zap.Error(err),
			)
			skipped = append(skipped, fmt.Sprintf("%s: %v", cfg.Name, err))
			continue
		}
		logger.Info("signing backend ready",
			zap.String("backend", b.Name()),
			zap.String("kind", cfg.Kind),
		)
		if len(skipped) > 0 {
			return &degradedBackend{
				Backend: b,
				detail:  "fell back past " + strings.Join(skipped, "; "),
			}, nil
		}
		return b, nil
	}
	return nil, &ConfigError{
		Backend: "all",
		Err:     fmt.Errorf("no usable signing backend: %s", strings.Join(skipped, "; ")),
	}
}

func newBackend(ctx context.Context, cfg BackendConfig, logger *zap.Logger) (Backend, error) {
	if cfg.Name == "" {
		cfg.Name = cfg.Kind
	}
	switch cfg.Kind {
	case KindSoftware:
		var store *FileKeystore
		if cfg.KeystorePath != "" {
			store = NewFileKeystore(cfg.KeystorePath, cfg.Passphrase)
		}
		return NewSoftwareBackend(cfg.Name, store, logger)
	case KindRemote:
		return NewRemoteBackend(ctx, cfg, logger)
	default:
		return nil, &ConfigError{Backend: cfg.Name, Err: fmt.Errorf("unknown backend kind %q", cfg.Kind)}
	}
}

// degradedBackend wraps the fallback winner so health reflects that a
// preferred backend was skipped.
type degradedBackend struct {
	Backend
	detail string
}

func (d *degradedBackend) Health(ctx context.Context) Health {
	h := d.Backend.Health(ctx)
	if h.State == HealthOK {
		h.State = HealthDegraded
	}
	if h.Detail == "" {
		h.Detail = d.detail
	} else {
		h.Detail += "; " + d.detail
	}
	return h
}
