package signing_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/s8ken/yseeku-platform-sub013/internal/signing"
	"go.uber.org/zap"
)

func TestKeystore_roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "keystore.json")
	store := signing.NewFileKeystore(path, "passphrase")

	b1, err := signing.NewSoftwareBackend("persisted", store, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b1.GenerateKeyPair(ctx, "app"); err != nil {
		t.Fatal(err)
	}
	msg := []byte("persisted message")
	sig, err := b1.Sign(ctx, "app", msg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b1.RotateKey(ctx, "app"); err != nil {
		t.Fatal(err)
	}

	// A second backend over the same file sees the full key set.
	b2, err := signing.NewSoftwareBackend("persisted", signing.NewFileKeystore(path, "passphrase"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	keys, err := b2.ListKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("reloaded keys: got %d, want 2", len(keys))
	}

	meta, err := b2.Metadata(ctx, "app")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Status != signing.KeyDeprecated {
		t.Errorf("reloaded old key status: got %q, want deprecated", meta.Status)
	}

	ok, err := b2.Verify(ctx, "app", msg, sig)
	if err != nil || !ok {
		t.Errorf("signature did not survive reload: ok=%v err=%v", ok, err)
	}

	if _, err := b2.Sign(ctx, "app.v2", msg); err != nil {
		t.Errorf("reloaded active key cannot sign: %v", err)
	}
}

func TestKeystore_wrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")

	b1, err := signing.NewSoftwareBackend("p", signing.NewFileKeystore(path, "correct"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b1.GenerateKeyPair(ctx, "app"); err != nil {
		t.Fatal(err)
	}

	if _, err := signing.NewSoftwareBackend("p", signing.NewFileKeystore(path, "wrong"), zap.NewNop()); err == nil {
		t.Fatal("expected error for wrong passphrase")
	}
}

func TestKeystore_missingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.json")
	b, err := signing.NewSoftwareBackend("p", signing.NewFileKeystore(path, "pw"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	keys, err := b.ListKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("expected empty key set, got %d", len(keys))
	}
}

func TestRetryable(t *testing.T) {
	if !signing.Retryable(signing.ErrSigningUnavailable) {
		t.Error("ErrSigningUnavailable should be retryable")
	}
	if signing.Retryable(signing.ErrKeyNotFound) {
		t.Error("ErrKeyNotFound should not be retryable")
	}
	if signing.Retryable(errors.New("other")) {
		t.Error("arbitrary errors should not be retryable")
	}
}
