package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation parameters.
const (
	DefaultIterations = 100000
	KeySize           = 32
	NonceSize         = 12
	DefaultSalt       = "ssdp-trust-salt-v1"
	DefaultKeyVersion = "v1"
)

// DeriveKey derives a 256-bit key from masterKey and salt with
// PBKDF2-HMAC-SHA256 at DefaultIterations. Identical inputs always yield the
// same key.
func DeriveKey(masterKey, salt []byte) []byte {
	return deriveKey(masterKey, salt, DefaultIterations)
}

func deriveKey(masterKey, salt []byte, iterations int) []byte {
	return pbkdf2.Key(masterKey, salt, iterations, KeySize, sha256.New)
}

// keyEntry is one version in the key ring. Only the derived key is kept;
// the master key is dropped after derivation.
type keyEntry struct {
	version    string
	salt       []byte
	iterations int
	key        []byte
	aead       cipher.AEAD
}

func newKeyEntry(version string, masterKey, salt []byte, iterations int) (*keyEntry, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("master key for version %q must not be empty", version)
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("salt for version %q must not be empty", version)
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}

	key := deriveKey(masterKey, salt, iterations)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	saltCopy := make([]byte, len(salt))
	copy(saltCopy, salt)

	return &keyEntry{
		version:    version,
		salt:       saltCopy,
		iterations: iterations,
		key:        key,
		aead:       aead,
	}, nil
}

func (k *keyEntry) zeroize() {
	for i := range k.key {
		k.key[i] = 0
	}
	k.aead = nil
}
