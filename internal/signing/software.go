package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SoftwareBackend keeps Ed25519 keys in process memory, optionally persisted
// through an encrypted file keystore. All state is instance-owned; two
// backends share nothing.
type SoftwareBackend struct {
	mu     sync.RWMutex
	name   string
	keys   map[string]*keyRecord
	order  []string
	store  *FileKeystore
	logger *zap.Logger
}

type keyRecord struct {
	meta    KeyMetadata
	private ed25519.PrivateKey
}

// NewSoftwareBackend creates a software-custody backend. A nil store keeps
// keys in memory only; otherwise previously persisted keys are loaded and
// every mutation is written back.
func NewSoftwareBackend(name string, store *FileKeystore, logger *zap.Logger) (*SoftwareBackend, error) {
	if name == "" {
		name = KindSoftware
	}
	b := &SoftwareBackend{
		name:   name,
		keys:   make(map[string]*keyRecord),
		store:  store,
		logger: logger,
	}
	if store != nil {
		recs, err := store.Load()
		if err != nil {
			return nil, fmt.Errorf("load keystore: %w", err)
		}
		for _, r := range recs {
			b.keys[r.meta.KeyID] = r
			b.order = append(b.order, r.meta.KeyID)
		}
		if len(recs) > 0 {
			logger.Info("keystore loaded",
				zap.String("backend", name),
				zap.Int("keys", len(recs)),
			)
		}
	}
	return b, nil
}

// GenerateKeyPair implements Backend.
func (b *SoftwareBackend) GenerateKeyPair(ctx context.Context, keyID string) (*KeyMetadata, error) {
	if keyID == "" {
		keyID = uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.keys[keyID]; ok {
		return nil, fmt.Errorf("generate %s: %w", keyID, ErrKeyExists)
	}
	rec, err := b.newRecord(keyID)
	if err != nil {
		return nil, err
	}
	b.keys[keyID] = rec
	b.order = append(b.order, keyID)
	if err := b.persistLocked(); err != nil {
		delete(b.keys, keyID)
		b.order = b.order[:len(b.order)-1]
		return nil, err
	}

	b.logger.Info("key generated",
		zap.String("key_id", keyID),
		zap.String("backend", b.name),
	)
	meta := rec.meta
	return &meta, nil
}

func (b *SoftwareBackend) newRecord(keyID string) (*keyRecord, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	_, version := splitKeyID(keyID)
	return &keyRecord{
		meta: KeyMetadata{
			KeyID:     keyID,
			Algorithm: AlgorithmEd25519,
			PublicKey: hex.EncodeToString(pub),
			Status:    KeyActive,
			Custody:   CustodySoftware,
			Version:   version,
			CreatedAt: time.Now().UTC(),
		},
		private: priv,
	}, nil
}

// Sign implements Backend. The private key is snapshotted under the read
// lock and used outside it, so a concurrent rotation never interrupts a
// signing call already in flight.
func (b *SoftwareBackend) Sign(ctx context.Context, keyID string, message []byte) ([]byte, error) {
	b.mu.RLock()
	rec, ok := b.keys[keyID]
	if !ok {
		b.mu.RUnlock()
		return nil, fmt.Errorf("sign with %s: %w", keyID, ErrKeyNotFound)
	}
	if rec.meta.Status != KeyActive {
		status := rec.meta.Status
		b.mu.RUnlock()
		return nil, fmt.Errorf("sign with %s (status %s): %w", keyID, status, ErrKeyInactive)
	}
	priv := rec.private
	b.mu.RUnlock()

	return ed25519.Sign(priv, message), nil
}

// Verify implements Backend.
func (b *SoftwareBackend) Verify(ctx context.Context, keyID string, message, signature []byte) (bool, error) {
	b.mu.RLock()
	rec, ok := b.keys[keyID]
	b.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("verify with %s: %w", keyID, ErrKeyNotFound)
	}
	pub, err := ParsePublicKey(rec.meta.PublicKey)
	if err != nil {
		return false, fmt.Errorf("verify with %s: %w", keyID, err)
	}
	return ed25519.Verify(pub, message, signature), nil
}

// RotateKey implements Backend.
func (b *SoftwareBackend) RotateKey(ctx context.Context, keyID string) (*KeyMetadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	old, ok := b.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("rotate %s: %w", keyID, ErrKeyNotFound)
	}
	if old.meta.Status != KeyActive {
		return nil, fmt.Errorf("rotate %s (status %s): %w", keyID, old.meta.Status, ErrKeyInactive)
	}

	newID := nextKeyID(keyID)
	for _, taken := b.keys[newID]; taken; _, taken = b.keys[newID] {
		newID = nextKeyID(newID)
	}
	rec, err := b.newRecord(newID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	old.meta.Status = KeyDeprecated
	old.meta.RotatedAt = &now
	b.keys[newID] = rec
	b.order = append(b.order, newID)
	if err := b.persistLocked(); err != nil {
		old.meta.Status = KeyActive
		old.meta.RotatedAt = nil
		delete(b.keys, newID)
		b.order = b.order[:len(b.order)-1]
		return nil, err
	}

	b.logger.Info("key rotated",
		zap.String("old_key_id", keyID),
		zap.String("new_key_id", newID),
	)
	meta := rec.meta
	return &meta, nil
}

// Revoke implements Backend.
func (b *SoftwareBackend) Revoke(ctx context.Context, keyID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.keys[keyID]
	if !ok {
		return fmt.Errorf("revoke %s: %w", keyID, ErrKeyNotFound)
	}
	if rec.meta.Status == KeyRevoked {
		return nil
	}
	prev := rec.meta.Status
	rec.meta.Status = KeyRevoked
	if err := b.persistLocked(); err != nil {
		rec.meta.Status = prev
		return err
	}

	b.logger.Warn("key revoked", zap.String("key_id", keyID))
	return nil
}

// Metadata implements Backend.
func (b *SoftwareBackend) Metadata(ctx context.Context, keyID string) (*KeyMetadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("metadata for %s: %w", keyID, ErrKeyNotFound)
	}
	meta := rec.meta
	return &meta, nil
}

// ListKeys implements Backend.
func (b *SoftwareBackend) ListKeys(ctx context.Context) ([]*KeyMetadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*KeyMetadata, 0, len(b.order))
	for _, id := range b.order {
		meta := b.keys[id].meta
		out = append(out, &meta)
	}
	return out, nil
}

// Health implements Backend.
func (b *SoftwareBackend) Health(ctx context.Context) Health {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Health{
		State:   HealthOK,
		Backend: b.name,
		Keys:    len(b.keys),
	}
}

// Name implements Backend.
func (b *SoftwareBackend) Name() string { return b.name }

// persistLocked writes the full key set through the keystore. Callers must
// hold the write lock.
func (b *SoftwareBackend) persistLocked() error {
	if b.store == nil {
		return nil
	}
	recs := make([]*keyRecord, 0, len(b.order))
	for _, id := range b.order {
		recs = append(recs, b.keys[id])
	}
	if err := b.store.Save(recs); err != nil {
		return fmt.Errorf("persist keystore: %w", err)
	}
	return nil
}
