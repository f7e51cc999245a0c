package signing

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is returned when an operation names a key id the
	// backend has never seen.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyInactive is returned when a caller tries to sign with a key
	// that has been deprecated or revoked. Such keys still verify.
	ErrKeyInactive = errors.New("key is not active")

	// ErrKeyExists is returned when generating a key under an id that is
	// already taken.
	ErrKeyExists = errors.New("key already exists")

	// ErrSigningUnavailable is returned when a backend cannot produce a
	// signature, typically because an external signer is unreachable.
	// Operations failing with it are safe to retry.
	ErrSigningUnavailable = errors.New("signing unavailable")
)

// ConfigError reports a backend configuration that cannot be brought up.
type ConfigError struct {
	Backend string
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("signing backend %s: %v", e.Backend, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Retryable reports whether err describes a transient condition where the
// same call may succeed later.
func Retryable(err error) bool {
	return errors.Is(err, ErrSigningUnavailable)
}
