// Package security composes the signing backend, audit trail, and receipt
// service behind one façade. Each Manager owns its whole subsystem state,
// so a process can run several isolated instances, one per tenant.
package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/s8ken/yseeku-platform-sub013/internal/audit"
	"github.com/s8ken/yseeku-platform-sub013/internal/receipt"
	"github.com/s8ken/yseeku-platform-sub013/internal/signing"
)

var (
	// ErrAlreadyInitialized is returned by a second Initialize call.
	ErrAlreadyInitialized = errors.New("security manager already initialized")

	// ErrNotInitialized is returned when a subsystem is used before
	// Initialize succeeds.
	ErrNotInitialized = errors.New("security manager not initialized")
)

// Config assembles a Manager. Zero values get sensible defaults; only
// Backends has no default.
type Config struct {
	// Backends is the ordered signing backend candidate list handed to
	// signing.Open. Empty defaults to a single in-process software
	// backend.
	Backends []signing.BackendConfig

	// ReceiptKeyID signs trust receipts. Defaults to "receipts".
	ReceiptKeyID string

	// AuditKeyID signs audit event hashes. Defaults to "audit". Set
	// SkipAuditSigning to run the trail unsigned.
	AuditKeyID       string
	SkipAuditSigning bool

	// AuditChainID seeds the audit trail genesis. Defaults to "audit".
	AuditChainID string

	// AuditStore persists the trail. Defaults to an in-memory store.
	AuditStore audit.Store

	// RotateEvery enables the background rotation scheduler when
	// positive. KeyMaxAge is the age at which active keys rotate.
	RotateEvery time.Duration
	KeyMaxAge   time.Duration

	Logger *zap.Logger
}

// Manager wires the trust subsystems together and guards their lifecycle.
type Manager struct {
	mu     sync.RWMutex
	cfg    Config
	logger *zap.Logger

	backend  signing.Backend
	trail    *audit.Trail
	receipts *receipt.Service
	rotator  *signing.Rotator

	initialized bool
}

// NewManager creates an uninitialized Manager. Call Initialize before use.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ReceiptKeyID == "" {
		cfg.ReceiptKeyID = "receipts"
	}
	if cfg.AuditKeyID == "" {
		cfg.AuditKeyID = "audit"
	}
	if cfg.AuditChainID == "" {
		cfg.AuditChainID = "audit"
	}
	if len(cfg.Backends) == 0 {
		cfg.Backends = []signing.BackendConfig{{Kind: signing.KindSoftware, Name: "software"}}
	}
	if cfg.AuditStore == nil {
		cfg.AuditStore = audit.NewMemoryStore()
	}
	return &Manager{cfg: cfg, logger: cfg.Logger}
}

// Initialize brings the subsystems up in dependency order: signing backend,
// then audit trail, then receipt service. A failure leaves the Manager
// uninitialized; a second call after success returns ErrAlreadyInitialized.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return ErrAlreadyInitialized
	}

	backend, err := signing.Open(ctx, m.cfg.Backends, m.logger)
	if err != nil {
		return fmt.Errorf("open signing backend: %w", err)
	}
	if err := m.ensureKey(ctx, backend, m.cfg.ReceiptKeyID); err != nil {
		return err
	}
	auditKey := ""
	if !m.cfg.SkipAuditSigning {
		auditKey = m.cfg.AuditKeyID
		if err := m.ensureKey(ctx, backend, auditKey); err != nil {
			return err
		}
	}

	trailCfg := audit.Config{
		ChainID: m.cfg.AuditChainID,
		Logger:  m.logger,
	}
	if auditKey != "" {
		trailCfg.Backend = backend
		trailCfg.KeyID = auditKey
	}
	trail := audit.NewTrail(m.cfg.AuditStore, trailCfg)

	receipts := receipt.NewService(backend, m.logger)

	// The first event on a fresh deployment records that the subsystem
	// came up. If the trail cannot take it, initialization fails loudly.
	health := backend.Health(ctx)
	if _, err := trail.Log(ctx, audit.Event{
		Category: audit.CategorySecurity,
		Action:   "security.initialized",
		Actor:    audit.Actor{ID: "security-manager", Type: "system"},
		Context: map[string]any{
			"backend":       health.Backend,
			"backend_state": string(health.State),
		},
		Outcome: audit.OutcomeSuccess,
	}); err != nil {
		return fmt.Errorf("log initialization event: %w", err)
	}

	if m.cfg.RotateEvery > 0 {
		m.rotator = signing.NewRotator(backend, m.cfg.RotateEvery, m.cfg.KeyMaxAge, m.logger)
		m.rotator.Start()
	}

	m.backend = backend
	m.trail = trail
	m.receipts = receipts
	m.initialized = true

	m.logger.Info("security manager initialized",
		zap.String("backend", health.Backend),
		zap.String("backend_state", string(health.State)),
		zap.Bool("audit_signing", auditKey != ""),
		zap.Bool("rotation", m.rotator != nil),
	)
	return nil
}

// ensureKey generates keyID when the backend does not hold it yet.
func (m *Manager) ensureKey(ctx context.Context, backend signing.Backend, keyID string) error {
	_, err := backend.GenerateKeyPair(ctx, keyID)
	switch {
	case err == nil:
		m.logger.Info("generated signing key", zap.String("key_id", keyID))
		return nil
	case errors.Is(err, signing.ErrKeyExists):
		return nil
	default:
		return fmt.Errorf("ensure key %s: %w", keyID, err)
	}
}

// Crypto returns the signing backend. Nil before Initialize.
func (m *Manager) Crypto() signing.Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backend
}

// Audit returns the audit trail. Nil before Initialize.
func (m *Manager) Audit() *audit.Trail {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trail
}

// Receipts returns the receipt service. Nil before Initialize.
func (m *Manager) Receipts() *receipt.Service {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.receipts
}

// ReceiptKeyID returns the key id receipts are signed with.
func (m *Manager) ReceiptKeyID() string { return m.cfg.ReceiptKeyID }

// Initialized reports whether Initialize has completed.
func (m *Manager) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// Health aggregates subsystem health.
type Health struct {
	Initialized bool           `json:"initialized"`
	Signing     signing.Health `json:"signing"`
	AuditChain  bool           `json:"audit_chain_valid"`
	AuditEvents int            `json:"audit_events"`
}

// Health reports the manager's aggregate state. Before initialization only
// Initialized is meaningful.
func (m *Manager) Health(ctx context.Context) Health {
	m.mu.RLock()
	backend, trail, initialized := m.backend, m.trail, m.initialized
	m.mu.RUnlock()

	h := Health{Initialized: initialized}
	if !initialized {
		h.Signing = signing.Health{State: signing.HealthDown, Detail: "not initialized"}
		return h
	}
	h.Signing = backend.Health(ctx)
	status, err := trail.VerifyChain(ctx)
	if err != nil {
		m.logger.Warn("audit chain verification failed", zap.Error(err))
		return h
	}
	h.AuditChain = status.Valid
	h.AuditEvents = status.TotalEvents
	return h
}

// Close stops background work. The Manager is not reusable afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rotator != nil {
		m.rotator.Stop()
		m.rotator = nil
	}
}
