package accounts

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/interledger4j/ilpconnectord/pkg/helpers"
)

// Argon2id parameters used to derive the account-token encryption key from
// the node secret. Mirrors the teacher's wallet/crypto.go cost parameters.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024
	argon2Parallelism = 4
	argon2KeyLen      = 32
)

// tokenCipher holds the AES-256-GCM key derived once from the node secret.
// The node secret itself is never retained; it is zeroed by NewRegistry
// immediately after key derivation, per spec.md §4.2/§5.
type tokenCipher struct {
	gcm cipher.AEAD
}

// staticSalt is fixed rather than random because the derived key must be
// reproducible across process restarts from the same node secret, without
// persisting a salt alongside it; the node secret itself supplies the
// entropy. It is used only for this key derivation, never for password
// hashing.
var staticSalt = []byte("ilpconnectord-account-token-key-v1")

func newTokenCipher(nodeSecret []byte) (*tokenCipher, error) {
	key := argon2.IDKey(nodeSecret, staticSalt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLen)
	defer secureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return &tokenCipher{gcm: gcm}, nil
}

// encrypt seals plaintext with a fresh random nonce, prefixed to the
// returned ciphertext.
func (tc *tokenCipher) encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}
	nonce, err := helpers.GenerateSecureRandom(tc.gcm.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return tc.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt opens ciphertext produced by encrypt.
func (tc *tokenCipher) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, nil
	}
	size := tc.gcm.NonceSize()
	if len(ciphertext) < size {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, body := ciphertext[:size], ciphertext[size:]
	plaintext, err := tc.gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt token: %w", err)
	}
	return plaintext, nil
}

// secureClear overwrites key material with zeros after use.
func secureClear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// constantTimeEqual compares two byte slices without leaking timing
// information about where they first differ, as spec.md §4.2 requires for
// the HTTP/BTP auth lookups.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		// length mismatch short-circuits before the constant-time compare;
		// token length is not secret, only its value is.
		return false
	}
	return helpers.ConstantTimeCompare(a, b)
}
