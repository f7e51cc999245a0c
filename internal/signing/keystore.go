package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// scrypt parameters follow the x/crypto recommendation for interactive use.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var errKeystoreSealed = errors.New("keystore passphrase incorrect or file corrupted")

// FileKeystore persists software keys to a single file, sealed with NaCl
// secretbox under a key derived from the passphrase with scrypt.
type FileKeystore struct {
	path       string
	passphrase []byte
}

// NewFileKeystore creates a keystore at path. The file is created on first
// Save; a missing file loads as an empty key set.
func NewFileKeystore(path, passphrase string) *FileKeystore {
	return &FileKeystore{path: path, passphrase: []byte(passphrase)}
}

// envelope is the on-disk format.
type envelope struct {
	Version int    `json:"version"`
	Salt    string `json:"salt"`
	Nonce   string `json:"nonce"`
	Sealed  string `json:"sealed"`
}

// storedKey is the sealed plaintext record for one key.
type storedKey struct {
	KeyID      string     `json:"key_id"`
	Algorithm  string     `json:"algorithm"`
	PublicKey  string     `json:"public_key"`
	PrivateKey string     `json:"private_key"`
	Status     KeyStatus  `json:"status"`
	Version    int        `json:"key_version"`
	CreatedAt  time.Time  `json:"created_at"`
	RotatedAt  *time.Time `json:"rotated_at,omitempty"`
}

// Load reads and unseals the key set. A missing file is not an error.
func (s *FileKeystore) Load() ([]*keyRecord, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read keystore: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse keystore: %w", err)
	}
	salt, err := hex.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("parse keystore salt: %w", err)
	}
	nonceBytes, err := hex.DecodeString(env.Nonce)
	if err != nil || len(nonceBytes) != 24 {
		return nil, errors.New("parse keystore nonce")
	}
	sealed, err := hex.DecodeString(env.Sealed)
	if err != nil {
		return nil, fmt.Errorf("parse keystore payload: %w", err)
	}

	key, err := s.deriveKey(salt)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	copy(nonce[:], nonceBytes)
	plain, ok := secretbox.Open(nil, sealed, &nonce, key)
	if !ok {
		return nil, errKeystoreSealed
	}

	var stored []storedKey
	if err := json.Unmarshal(plain, &stored); err != nil {
		return nil, fmt.Errorf("decode keystore contents: %w", err)
	}

	recs := make([]*keyRecord, 0, len(stored))
	for _, k := range stored {
		priv, err := hex.DecodeString(k.PrivateKey)
		if err != nil || len(priv) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("key %s: invalid private key material", k.KeyID)
		}
		recs = append(recs, &keyRecord{
			meta: KeyMetadata{
				KeyID:     k.KeyID,
				Algorithm: k.Algorithm,
				PublicKey: k.PublicKey,
				Status:    k.Status,
				Custody:   CustodySoftware,
				Version:   k.Version,
				CreatedAt: k.CreatedAt,
				RotatedAt: k.RotatedAt,
			},
			private: ed25519.PrivateKey(priv),
		})
	}
	return recs, nil
}

// Save seals and writes the full key set, replacing the previous file.
func (s *FileKeystore) Save(recs []*keyRecord) error {
	stored := make([]storedKey, 0, len(recs))
	for _, r := range recs {
		stored = append(stored, storedKey{
			KeyID:      r.meta.KeyID,
			Algorithm:  r.meta.Algorithm,
			PublicKey:  r.meta.PublicKey,
			PrivateKey: hex.EncodeToString(r.private),
			Status:     r.meta.Status,
			Version:    r.meta.Version,
			CreatedAt:  r.meta.CreatedAt,
			RotatedAt:  r.meta.RotatedAt,
		})
	}
	plain, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode keystore contents: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("keystore salt: %w", err)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("keystore nonce: %w", err)
	}
	key, err := s.deriveKey(salt)
	if err != nil {
		return err
	}
	sealed := secretbox.Seal(nil, plain, &nonce, key)

	env := envelope{
		Version: 1,
		Salt:    hex.EncodeToString(salt),
		Nonce:   hex.EncodeToString(nonce[:]),
		Sealed:  hex.EncodeToString(sealed),
	}
	raw, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("encode keystore: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create keystore dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	return nil
}

func (s *FileKeystore) deriveKey(salt []byte) (*[32]byte, error) {
	derived, err := scrypt.Key(s.passphrase, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("derive keystore key: %w", err)
	}
	var key [32]byte
	copy(key[:], derived)
	return &key, nil
}
