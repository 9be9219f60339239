package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	nonceLengthBytes = 12
	tagLengthBytes   = 16
)

// DefaultKeyID identifies the key used for all new encryptions. Older key ids
// remain resolvable so already-encrypted rows survive key rotation.
const DefaultKeyID = "v1"

var (
	// ErrDecryptionFailed indicates that authentication-tag verification failed:
	// tampering, a wrong key, or corrupted ciphertext.
	ErrDecryptionFailed = errors.New("secure: decryption failed")
	// ErrMalformedPlaintext indicates that the tag verified but the plaintext is
	// not valid structured data.
	ErrMalformedPlaintext = errors.New("secure: malformed plaintext")
)

// EncryptedBlob is the serialized form of an encrypted answer payload.
type EncryptedBlob struct {
	KeyID      string
	IV         []byte
	AuthTag    []byte
	Ciphertext []byte
}

// Payload is the plaintext shape sealed into a blob: the submission's answer
// map plus the survey-version number it was encrypted under.
type Payload struct {
	Answers map[string]any `json:"answers"`
	Version int            `json:"version"`
}

// KeyResolver resolves a key id to its 256-bit secret.
type KeyResolver interface {
	Resolve(keyID string) ([]byte, error)
}

// Cipher performs authenticated encryption of submission payloads with
// AES-256-GCM, keyed through a KeyResolver.
type Cipher struct {
	keys   KeyResolver
	random io.Reader
}

// NewCipher constructs a Cipher over the provided key resolver.
func NewCipher(keys KeyResolver) *Cipher {
	return &Cipher{keys: keys, random: rand.Reader}
}

// Encrypt serializes the payload to JSON and seals it under the key identified
// by keyID. A fresh random 12-byte nonce is generated per call; the nonce must
// never repeat for the same key, which random generation per encryption (not
// per key) guarantees at these volumes.
func (c *Cipher) Encrypt(payload Payload, keyID string) (EncryptedBlob, error) {
	aead, err := c.aeadFor(keyID)
	if err != nil {
		return EncryptedBlob{}, err
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return EncryptedBlob{}, fmt.Errorf("secure: payload serialization failed: %w", err)
	}

	nonce := make([]byte, nonceLengthBytes)
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return EncryptedBlob{}, fmt.Errorf("secure: nonce generation failed: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	boundary := len(sealed) - tagLengthBytes

	return EncryptedBlob{
		KeyID:      keyID,
		IV:         nonce,
		AuthTag:    sealed[boundary:],
		Ciphertext: sealed[:boundary],
	}, nil
}

// Decrypt verifies the blob's authentication tag and deserializes the
// plaintext. Tag failures surface as ErrDecryptionFailed and JSON failures of
// verified plaintext as ErrMalformedPlaintext; both are per-row conditions
// that batch readers isolate rather than propagate.
func (c *Cipher) Decrypt(blob EncryptedBlob) (Payload, error) {
	aead, err := c.aeadFor(blob.KeyID)
	if err != nil {
		return Payload{}, err
	}

	if len(blob.IV) != nonceLengthBytes {
		return Payload{}, fmt.Errorf("%w: nonce has %d bytes, expected %d", ErrDecryptionFailed, len(blob.IV), nonceLengthBytes)
	}
	if len(blob.AuthTag) != tagLengthBytes {
		return Payload{}, fmt.Errorf("%w: authentication tag has %d bytes, expected %d", ErrDecryptionFailed, len(blob.AuthTag), tagLengthBytes)
	}

	sealed := make([]byte, 0, len(blob.Ciphertext)+len(blob.AuthTag))
	sealed = append(sealed, blob.Ciphertext...)
	sealed = append(sealed, blob.AuthTag...)

	plaintext, err := aead.Open(nil, blob.IV, sealed, nil)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPlaintext, err)
	}
	return payload, nil
}

func (c *Cipher) aeadFor(keyID string) (cipher.AEAD, error) {
	secret, err := c.keys.Resolve(keyID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("secure: cipher construction failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secure: aead construction failed: %w", err)
	}
	return aead, nil
}
