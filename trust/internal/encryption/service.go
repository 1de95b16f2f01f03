// Package encryption implements field-level AES-256-GCM encryption with
// PBKDF2-derived keys and a read-only key ring for rotation.
package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/cast"

	"github.com/ssdp-platform/trust/common/config"
	"github.com/ssdp-platform/trust/trust/internal/models"
)

// ErrZeroized is returned by every operation after Zeroize.
var ErrZeroized = errors.New("encryption service key material has been zeroized")

// Config configures the current key.
type Config struct {
	MasterKey  []byte
	Salt       []byte
	KeyVersion string
	Iterations int
}

// Option customizes a Service.
type Option func(*options)

type previousKey struct {
	version    string
	masterKey  []byte
	salt       []byte
	iterations int
}

type options struct {
	previous []previousKey
}

// WithPreviousKey registers a retired key so ciphertext produced under it
// can still be decrypted. New ciphertext always uses the current key.
func WithPreviousKey(version string, masterKey, salt []byte, iterations int) Option {
	return func(o *options) {
		o.previous = append(o.previous, previousKey{
			version:    version,
			masterKey:  masterKey,
			salt:       salt,
			iterations: iterations,
		})
	}
}

// Service encrypts and decrypts individual fields. It is safe for
// concurrent use; each Encrypt draws its own nonce from crypto/rand.
type Service struct {
	mu       sync.RWMutex
	current  *keyEntry
	ring     map[string]*keyEntry
	order    []string
	zeroized bool
}

// New derives the current key and any previous keys. The key ring is fixed
// after construction.
func New(cfg Config, opts ...Option) (*Service, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.KeyVersion == "" {
		cfg.KeyVersion = DefaultKeyVersion
	}
	if len(cfg.Salt) == 0 {
		cfg.Salt = []byte(DefaultSalt)
	}

	current, err := newKeyEntry(cfg.KeyVersion, cfg.MasterKey, cfg.Salt, cfg.Iterations)
	if err != nil {
		return nil, err
	}

	s := &Service{
		current: current,
		ring:    map[string]*keyEntry{current.version: current},
		order:   []string{current.version},
	}

	for _, pk := range o.previous {
		if _, exists := s.ring[pk.version]; exists {
			return nil, fmt.Errorf("duplicate key version %q", pk.version)
		}
		entry, err := newKeyEntry(pk.version, pk.masterKey, pk.salt, pk.iterations)
		if err != nil {
			return nil, err
		}
		s.ring[entry.version] = entry
		s.order = append(s.order, entry.version)
	}

	return s, nil
}

// NewFromConfig builds a Service from loaded configuration. The master key
// and the master keys of previous versions come from the environment.
func NewFromConfig(cfg config.EncryptionConfig) (*Service, error) {
	if cfg.MasterKey == "" {
		return nil, fmt.Errorf("%s is not set", config.MasterKeyEnv)
	}

	var opts []Option
	for _, pk := range cfg.PreviousKeys {
		mk := os.Getenv(pk.MasterKeyEnv)
		if mk == "" {
			return nil, fmt.Errorf("master key for previous version %q: %s is not set", pk.Version, pk.MasterKeyEnv)
		}
		opts = append(opts, WithPreviousKey(pk.Version, []byte(mk), []byte(pk.Salt), pk.Iterations))
	}

	return New(Config{
		MasterKey:  []byte(cfg.MasterKey),
		Salt:       []byte(cfg.Salt),
		KeyVersion: cfg.KeyVersion,
		Iterations: cfg.Iterations,
	}, opts...)
}

// KeyVersion returns the version tag used for new ciphertext.
func (s *Service) KeyVersion() string {
	return s.current.version
}

// Encrypt seals plaintext under the current key and returns
// base64(nonce || ciphertext || tag).
func (s *Service) Encrypt(plaintext string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.zeroized {
		return "", ErrZeroized
	}

	nonce, err := newNonce()
	if err != nil {
		return "", err
	}
	sealed := s.current.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. The current key is tried first,
// then previous keys. Any failure yields a *models.DecryptionError and no
// plaintext.
func (s *Service) Decrypt(blob string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.zeroized {
		return "", ErrZeroized
	}

	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", &models.DecryptionError{Reason: "malformed ciphertext encoding"}
	}
	if len(data) < NonceSize+s.current.aead.Overhead() {
		return "", &models.DecryptionError{Reason: "ciphertext too short"}
	}

	nonce, sealed := data[:NonceSize], data[NonceSize:]
	for _, version := range s.order {
		plaintext, err := s.ring[version].aead.Open(nil, nonce, sealed, nil)
		if err == nil {
			return string(plaintext), nil
		}
	}
	return "", &models.DecryptionError{Reason: "authentication failed"}
}

// EncryptField seals plaintext and returns the full envelope including key
// derivation metadata.
func (s *Service) EncryptField(plaintext string) (*models.EncryptedField, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.zeroized {
		return nil, ErrZeroized
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	sealed := s.current.aead.Seal(nil, nonce, []byte(plaintext), nil)

	return &models.EncryptedField{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Salt:       base64.StdEncoding.EncodeToString(s.current.salt),
		KeyVersion: s.current.version,
		Iterations: s.current.iterations,
	}, nil
}

// DecryptField opens an envelope using the key version it names.
func (s *Service) DecryptField(field *models.EncryptedField) (string, error) {
	if field == nil {
		return "", &models.DecryptionError{Reason: "nil envelope"}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.zeroized {
		return "", ErrZeroized
	}

	entry, ok := s.ring[field.KeyVersion]
	if !ok {
		return "", &models.DecryptionError{Reason: fmt.Sprintf("unknown key version %q", field.KeyVersion)}
	}
	salt, err := base64.StdEncoding.DecodeString(field.Salt)
	if err != nil || string(salt) != string(entry.salt) || field.Iterations != entry.iterations {
		return "", &models.DecryptionError{Reason: "key derivation parameters do not match key version"}
	}
	nonce, err := base64.StdEncoding.DecodeString(field.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return "", &models.DecryptionError{Reason: "malformed nonce"}
	}
	sealed, err := base64.StdEncoding.DecodeString(field.Ciphertext)
	if err != nil {
		return "", &models.DecryptionError{Reason: "malformed ciphertext encoding"}
	}

	plaintext, err := entry.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &models.DecryptionError{Reason: "authentication failed"}
	}
	return string(plaintext), nil
}

// EncryptPII returns a copy of record with every present, non-nil PII field
// encrypted. The input is not mutated.
func (s *Service) EncryptPII(record models.Record) (models.Record, error) {
	return s.encryptKeys(record, piiFields)
}

// EncryptFinancial returns a copy of record with every present, non-nil
// financial field encrypted. The input is not mutated.
func (s *Service) EncryptFinancial(record models.Record) (models.Record, error) {
	return s.encryptKeys(record, financialFields)
}

func (s *Service) encryptKeys(record models.Record, keys []string) (models.Record, error) {
	out := record.Clone()
	if out == nil {
		out = models.Record{}
	}
	for _, key := range keys {
		value, ok := record[key]
		if !ok || value == nil {
			continue
		}
		plaintext, err := stringify(value)
		if err != nil {
			return nil, fmt.Errorf("encrypt %s: %w", key, err)
		}
		ct, err := s.Encrypt(plaintext)
		if err != nil {
			return nil, fmt.Errorf("encrypt %s: %w", key, err)
		}
		out[key] = ct
	}
	return out, nil
}

// DecryptFields decrypts each named field independently. Absent or nil
// fields are skipped. Fields that fail keep their stored value and are
// reported in failed; one failure never aborts the rest.
func (s *Service) DecryptFields(record models.Record, fields []string) (models.Record, []string) {
	out := record.Clone()
	if out == nil {
		out = models.Record{}
	}
	var failed []string

	for _, field := range fields {
		value, ok := record[field]
		if !ok || value == nil {
			continue
		}

		var (
			plaintext string
			err       error
		)
		switch v := value.(type) {
		case string:
			plaintext, err = s.Decrypt(v)
		case *models.EncryptedField:
			plaintext, err = s.DecryptField(v)
		case models.EncryptedField:
			plaintext, err = s.DecryptField(&v)
		default:
			err = &models.DecryptionError{Reason: fmt.Sprintf("unsupported value type %T", value)}
		}
		if err != nil {
			failed = append(failed, field)
			continue
		}
		out[field] = plaintext
	}
	return out, failed
}

// Zeroize wipes derived key material. Every later call fails with ErrZeroized.
func (s *Service) Zeroize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.zeroized {
		return
	}
	for _, entry := range s.ring {
		entry.zeroize()
	}
	s.zeroized = true
}

func newNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// stringify renders scalar values the way they would be typed by a user and
// composite values as JSON.
func stringify(v any) (string, error) {
	if s, err := cast.ToStringE(v); err == nil {
		return s, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("unsupported value type %T", v)
	}
	return string(data), nil
}
