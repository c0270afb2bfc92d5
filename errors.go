package sharecrypt

import (
	"errors"
	"fmt"
)

// ValidationError represents a parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value (never a secret)
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// DerivationError reports a master key that could not be derived.
// It is fatal at startup.
type DerivationError struct {
	Message string
	Err     error
}

func (e *DerivationError) Error() string {
	return fmt.Sprintf("key derivation error: %s", e.Message)
}

func (e *DerivationError) Unwrap() error {
	return e.Err
}

// KeyUnwrapError reports a wrapped key that was tampered with, truncated,
// or sealed under a different master key.
type KeyUnwrapError struct {
	Message string
	Err     error
}

func (e *KeyUnwrapError) Error() string {
	return fmt.Sprintf("key unwrap error: %s", e.Message)
}

func (e *KeyUnwrapError) Unwrap() error {
	return e.Err
}

// DecryptionError reports ciphertext that is malformed or fails its
// integrity check.
type DecryptionError struct {
	Message string
	Err     error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decryption error: %s", e.Message)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// PaddingError reports inconsistent PKCS#7 padding after decryption
type PaddingError struct {
	Message string
}

func (e *PaddingError) Error() string {
	return fmt.Sprintf("padding error: %s", e.Message)
}

// Common sentinel errors
var (
	ErrInvalidKey         = errors.New("invalid encryption key")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrAuthFailed         = errors.New("authentication failed - data may be corrupted or tampered")
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrUnsupportedCipher  = errors.New("unsupported cipher suite")
	ErrNilMasterKey       = errors.New("master key cannot be nil")
	ErrKeyDestroyed       = errors.New("master key has been destroyed")
)

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewDerivationError creates a new derivation error
func NewDerivationError(message string, err error) error {
	return &DerivationError{Message: message, Err: err}
}

// NewKeyUnwrapError creates a new unwrap error
func NewKeyUnwrapError(message string, err error) error {
	return &KeyUnwrapError{Message: message, Err: err}
}

// NewDecryptionError creates a new decryption error
func NewDecryptionError(message string, err error) error {
	return &DecryptionError{Message: message, Err: err}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsDerivationError checks if an error is a key derivation error
func IsDerivationError(err error) bool {
	var de *DerivationError
	return errors.As(err, &de)
}

// IsKeyUnwrapError checks if an error is a key unwrap error
func IsKeyUnwrapError(err error) bool {
	var ke *KeyUnwrapError
	return errors.As(err, &ke)
}

// IsDecryptionError checks if an error is a decryption error
func IsDecryptionError(err error) bool {
	var de *DecryptionError
	return errors.As(err, &de)
}

// IsPaddingError checks if an error is a padding error
func IsPaddingError(err error) bool {
	var pe *PaddingError
	return errors.As(err, &pe)
}

// IsCorrupted reports whether err means stored ciphertext or key material
// can no longer be trusted. Such errors must not be retried.
func IsCorrupted(err error) bool {
	return IsKeyUnwrapError(err) || IsDecryptionError(err) || IsPaddingError(err)
}
