package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AlgorithmEd25519 is the only signature algorithm the platform issues.
const AlgorithmEd25519 = "ed25519"

// KeyStatus describes where a key is in its lifecycle. Valid transitions are
// active → rotating → deprecated and any state → revoked. Deprecated and
// revoked keys never sign again but keep verifying what they signed.
type KeyStatus string

const (
	KeyActive     KeyStatus = "active"
	KeyRotating   KeyStatus = "rotating"
	KeyDeprecated KeyStatus = "deprecated"
	KeyRevoked    KeyStatus = "revoked"
)

// Custody names who holds the private key material.
type Custody string

const (
	CustodySoftware Custody = "software"
	CustodyExternal Custody = "external"
)

// KeyMetadata describes a key without exposing private material. It is the
// only key representation that crosses the backend boundary.
type KeyMetadata struct {
	KeyID     string     `json:"key_id"`
	Algorithm string     `json:"algorithm"`
	PublicKey string     `json:"public_key"` // hex encoded, 32 bytes
	Status    KeyStatus  `json:"status"`
	Custody   Custody    `json:"custody"`
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`
}

// nextKeyID mints the successor id for a rotation: "app" becomes "app.v2",
// "app.v2" becomes "app.v3". Versions are monotonic per base id, so two
// rotations can never land on the same id.
func nextKeyID(id string) string {
	base, v := splitKeyID(id)
	return fmt.Sprintf("%s.v%d", base, v+1)
}

// splitKeyID separates a key id into its base and version. Ids without a
// ".vN" suffix are version 1.
func splitKeyID(id string) (string, int) {
	i := strings.LastIndex(id, ".v")
	if i < 0 {
		return id, 1
	}
	n, err := strconv.Atoi(id[i+2:])
	if err != nil || n < 1 {
		return id, 1
	}
	return id[:i], n
}

// ParsePublicKey decodes a 32-byte Ed25519 public key from its hex form.
// Base64 variants are accepted as a fallback for keys exported by older
// platform SDKs.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	s := strings.TrimSpace(encoded)
	if s == "" {
		return nil, errors.New("empty public key")
	}
	if b, err := hex.DecodeString(s); err == nil {
		if len(b) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("public key length %d invalid", len(b))
		}
		return ed25519.PublicKey(b), nil
	}
	b, err := decodeLooseBase64(s)
	if err != nil {
		return nil, errors.New("public key is neither hex nor base64")
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key length %d invalid", len(b))
	}
	return ed25519.PublicKey(b), nil
}

func decodeLooseBase64(s string) ([]byte, error) {
	candidates := []func(string) ([]byte, error){
		base64.RawURLEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		base64.StdEncoding.DecodeString,
	}
	for _, fn := range candidates {
		if b, err := fn(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("not valid base64")
}
