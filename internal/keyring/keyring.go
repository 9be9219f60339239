package keyring

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
)

const keyLengthBytes = 32

var (
	// ErrKeyNotFound indicates that no secret is configured for the requested key id.
	ErrKeyNotFound = errors.New("keyring: key not found")
	// ErrKeyInvalid indicates that a configured secret is not valid base64 or has the wrong length.
	ErrKeyInvalid = errors.New("keyring: key invalid")
)

// Ring resolves key identifiers to 256-bit secrets sourced from configuration.
// Decoded secrets are cached for process lifetime and never persisted or logged.
type Ring struct {
	encoded map[string]string
	cache   sync.Map
}

// NewRing constructs a Ring over a map of key id to base64-encoded secret.
func NewRing(encoded map[string]string) *Ring {
	keys := make(map[string]string, len(encoded))
	for keyID, value := range encoded {
		keys[keyID] = value
	}
	return &Ring{encoded: keys}
}

// Resolve returns the 32-byte secret for the given key id, decoding lazily on
// first use. Subsequent calls for the same key id are served from the cache
// and are safe for concurrent readers.
func (r *Ring) Resolve(keyID string) ([]byte, error) {
	if cached, ok := r.cache.Load(keyID); ok {
		secret, ok := cached.([]byte)
		if ok {
			return secret, nil
		}
	}

	encoded, ok := r.encoded[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, keyID)
	}
	if encoded == "" {
		return nil, fmt.Errorf("%w: %q is not set, expected a base64-encoded 32-byte value", ErrKeyInvalid, keyID)
	}

	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not valid base64", ErrKeyInvalid, keyID)
	}
	if len(secret) != keyLengthBytes {
		return nil, fmt.Errorf("%w: %q decodes to %d bytes, expected %d", ErrKeyInvalid, keyID, len(secret), keyLengthBytes)
	}

	r.cache.Store(keyID, secret)
	return secret, nil
}
