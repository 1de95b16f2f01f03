package models

import (
	"errors"
	"fmt"
)

// Sentinel kinds for the trust layer error taxonomy. Typed errors below
// match these with errors.Is.
var (
	ErrValidation         = errors.New("validation error")
	ErrIntegrity          = errors.New("integrity error")
	ErrDecryption         = errors.New("decryption error")
	ErrStorageUnavailable = errors.New("audit storage unavailable")
)

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NewValidationError is a convenience constructor.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IntegrityError reports a checksum mismatch. Index is the position in
// insertion order, or -1 when unknown.
type IntegrityError struct {
	EntryID string
	Index   int
	Reason  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity error: entry %s at index %d: %s", e.EntryID, e.Index, e.Reason)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// DecryptionError reports a failed decryption. The message never includes
// ciphertext or key material.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	return "decryption failed: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }

func (e *DecryptionError) Is(target error) bool { return target == ErrDecryption }

// StorageUnavailableError reports that an audit entry could not be persisted
// after retries and was diverted to the local spool.
type StorageUnavailableError struct {
	EntryID  string
	Attempts int
	Err      error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("audit storage unavailable: entry %s after %d attempts: %v", e.EntryID, e.Attempts, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Err }

func (e *StorageUnavailableError) Is(target error) bool { return target == ErrStorageUnavailable }
