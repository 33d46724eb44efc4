// Package secrets implements per-tenant key derivation, secret encryption at
// rest, and replay-safe payload signing for outbound deliveries.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// MasterKeySize is the required length of the decoded master secret.
	MasterKeySize = 32

	// CurrentKeyVersion is the derivation salt version stamped on new
	// subscriptions. Bumping it re-keys new secrets without touching old rows.
	CurrentKeyVersion = 1

	secretPrefix = "ohsec_"
)

var (
	ErrMasterKeySize = errors.New("master key must be 32 bytes")
	ErrCiphertext    = errors.New("malformed secret ciphertext")
)

// Engine derives tenant-scoped encryption keys from a single master secret and
// encrypts/decrypts subscription signing secrets with AES-256-GCM.
type Engine struct {
	masterKey []byte
}

// NewEngine builds an engine from a hex-encoded 32-byte master key.
func NewEngine(masterKeyHex string) (*Engine, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decoding master key: %w", err)
	}
	if len(key) != MasterKeySize {
		return nil, ErrMasterKeySize
	}
	return &Engine{masterKey: key}, nil
}

// TenantKey derives the AES key for one tenant at one key version. Bumping
// keyVersion rotates a single tenant's key without touching any other tenant.
func (e *Engine) TenantKey(tenantID string, keyVersion int) ([]byte, error) {
	salt := []byte(fmt.Sprintf("outhook-tenant-key-v%d", keyVersion))
	info := []byte(tenantID)

	r := hkdf.New(sha256.New, e.masterKey, salt, info)
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving tenant key: %w", err)
	}
	return key, nil
}

// NewSecret generates a fresh signing secret. The plaintext is returned to the
// caller exactly once, at this moment; only the ciphertext and a display
// suffix are ever stored.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return secretPrefix + hex.EncodeToString(buf), nil
}

// EncryptSecret seals a signing secret under the tenant's derived key.
// A fresh random nonce is used per call and stored with the ciphertext.
// Returns the encoded ciphertext and the last-4 display suffix.
func (e *Engine) EncryptSecret(secret, tenantID string, keyVersion int) (string, string, error) {
	key, err := e.TenantKey(tenantID, keyVersion)
	if err != nil {
		return "", "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", fmt.Errorf("building cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", fmt.Errorf("building gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(secret), nil)

	suffix := secret
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}

	return base64.StdEncoding.EncodeToString(sealed), suffix, nil
}

// DecryptSecret opens a stored ciphertext back into the plaintext signing
// secret. Any tampering or key mismatch fails authentication.
func (e *Engine) DecryptSecret(ciphertext, tenantID string, keyVersion int) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrCiphertext
	}

	key, err := e.TenantKey(tenantID, keyVersion)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("building cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("building gcm: %w", err)
	}

	if len(raw) < gcm.NonceSize() {
		return "", ErrCiphertext
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("opening ciphertext: %w", err)
	}
	return string(plain), nil
}
