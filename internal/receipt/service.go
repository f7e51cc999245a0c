package receipt

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/s8ken/yseeku-platform-sub013/internal/hashchain"
	"github.com/s8ken/yseeku-platform-sub013/internal/signing"
	"github.com/s8ken/yseeku-platform-sub013/pkg/jcs"
)

// Service issues and verifies trust receipts through a signing backend.
type Service struct {
	backend signing.Backend
	logger  *zap.Logger
}

// NewService creates a receipt service over backend.
func NewService(backend signing.Backend, logger *zap.Logger) *Service {
	return &Service{backend: backend, logger: logger}
}

// Create canonicalizes the payload, hashes it, and signs the chain message
// with keyID. prev links the receipt into its session chain; nil starts one.
func (s *Service) Create(ctx context.Context, p *Payload, keyID string, prev *SignedReceipt) (*SignedReceipt, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if prev != nil && prev.Payload.SessionID != p.SessionID {
		return nil, fmt.Errorf("predecessor belongs to session %q, payload to %q",
			prev.Payload.SessionID, p.SessionID)
	}

	hash, err := jcs.Hash(p)
	if err != nil {
		return nil, fmt.Errorf("hash payload: %w", err)
	}

	prevHash := ""
	if prev != nil {
		prevHash = prev.IntegrityHash
	}
	sig, err := s.backend.Sign(ctx, keyID, signedMessage(hash, prevHash))
	if err != nil {
		return nil, fmt.Errorf("sign receipt: %w", err)
	}

	r := &SignedReceipt{
		Payload:        *p,
		IntegrityHash:  hash,
		PreviousHash:   prevHash,
		ChainSignature: hex.EncodeToString(sig),
		KeyID:          keyID,
		IssuedAt:       time.Now().UTC(),
	}
	if meta, err := s.backend.Metadata(ctx, keyID); err == nil {
		r.PublicKey = meta.PublicKey
	}

	s.logger.Debug("receipt issued",
		zap.String("session_id", p.SessionID),
		zap.String("integrity_hash", hash),
		zap.String("key_id", keyID),
	)
	return r, nil
}

// Verify recomputes a receipt's integrity hash and chain signature.
// publicKey may be empty when the receipt embeds its own. A non-nil prev
// additionally pins the receipt to that predecessor.
func (s *Service) Verify(ctx context.Context, r *SignedReceipt, publicKey string, prev *SignedReceipt) Result {
	res := verifyReceipt(r, publicKey, prev)
	if res.KeyID != "" && s.backend != nil {
		if meta, err := s.backend.Metadata(ctx, res.KeyID); err == nil {
			res.KeyStatus = meta.Status
		}
	}
	return res
}

// verifyReceipt is the backend-free core so offline holders of a public key
// get the same verdict the service computes.
func verifyReceipt(r *SignedReceipt, publicKey string, prev *SignedReceipt) Result {
	if r == nil {
		return Result{Reason: ReasonMalformed}
	}
	res := Result{IntegrityHash: r.IntegrityHash, KeyID: r.KeyID}

	hash, err := jcs.Hash(&r.Payload)
	if err != nil {
		res.Reason = ReasonMalformed
		return res
	}
	if hash != r.IntegrityHash {
		res.Reason = ReasonHashMismatch
		return res
	}

	if prev != nil && r.PreviousHash != prev.IntegrityHash {
		res.Reason = ReasonChainBroken
		return res
	}

	if publicKey == "" {
		publicKey = r.PublicKey
	}
	pub, err := signing.ParsePublicKey(publicKey)
	if err != nil {
		res.Reason = ReasonMalformed
		return res
	}
	sig, err := hex.DecodeString(r.ChainSignature)
	if err != nil || !ed25519.Verify(pub, signedMessage(hash, r.PreviousHash), sig) {
		res.Reason = ReasonSignatureInvalid
		return res
	}

	res.Valid = true
	return res
}

// VerifySessionChain verifies every receipt of a session and their linkage,
// walking backward from the newest receipt the way the chain engine does.
// All receipts must belong to one session and be signed under keys whose
// public halves resolve; publicKey overrides embedded keys when non-empty.
func (s *Service) VerifySessionChain(ctx context.Context, receipts []*SignedReceipt, publicKey string) hashchain.Report {
	if len(receipts) == 0 {
		return hashchain.Report{Valid: true}
	}

	ordered := make([]*SignedReceipt, len(receipts))
	copy(ordered, receipts)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Payload.Timestamp != ordered[j].Payload.Timestamp {
			return ordered[i].Payload.Timestamp < ordered[j].Payload.Timestamp
		}
		return ordered[i].IntegrityHash < ordered[j].IntegrityHash
	})

	byHash := make(map[string]*SignedReceipt, len(ordered))
	for _, r := range ordered {
		byHash[r.IntegrityHash] = r
	}
	tip := ordered[len(ordered)-1]

	// An empty previous hash marks the chain's base, so the walk bottoms
	// out at the empty string instead of a genesis constant.
	return hashchain.Walk(tip.IntegrityHash, "",
		func(h string) (string, bool) {
			r, ok := byHash[h]
			if !ok {
				return "", false
			}
			return r.PreviousHash, true
		},
		func(h string) (bool, string) {
			res := s.Verify(ctx, byHash[h], publicKey, nil)
			return res.Valid, res.Reason
		},
	)
}

