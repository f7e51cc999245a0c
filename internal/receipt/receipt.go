package receipt

import (
	"time"

	"github.com/s8ken/yseeku-platform-sub013/internal/signing"
)

// GenesisMarker seeds the chain signature of a session's first receipt in
// place of a predecessor hash.
const GenesisMarker = "GENESIS"

// SignedReceipt is an issued, tamper-evident trust receipt. IntegrityHash
// covers the payload's canonical bytes; ChainSignature covers the integrity
// hash joined with the predecessor's, binding the receipt into its session
// chain.
type SignedReceipt struct {
	Payload        Payload   `json:"payload"`
	IntegrityHash  string    `json:"integrity_hash"`
	PreviousHash   string    `json:"previous_hash,omitempty"`
	ChainSignature string    `json:"chain_signature"` // hex encoded
	KeyID          string    `json:"key_id"`
	PublicKey      string    `json:"public_key,omitempty"`
	IssuedAt       time.Time `json:"issued_at"`
}

// Verification reasons carried in Result. These strings are part of the
// API surface; callers and operators match on them.
const (
	ReasonHashMismatch     = "Integrity hash mismatch"
	ReasonSignatureInvalid = "Signature invalid"
	ReasonChainBroken      = "Chain link broken"
	ReasonMalformed        = "Malformed receipt"
)

// Result is the outcome of verifying a single receipt. A tampered receipt is
// data, not an error: Valid is false and Reason says why.
type Result struct {
	Valid         bool              `json:"valid"`
	IntegrityHash string            `json:"integrity_hash,omitempty"`
	KeyID         string            `json:"key_id,omitempty"`
	KeyStatus     signing.KeyStatus `json:"key_status,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// signedMessage builds the bytes the chain signature covers. The integrity
// hash is fixed-width hex, so plain concatenation with the predecessor (or
// the genesis marker) cannot be reparsed ambiguously.
func signedMessage(integrityHash, previousHash string) []byte {
	prev := previousHash
	if prev == "" {
		prev = GenesisMarker
	}
	return []byte(integrityHash + prev)
}
