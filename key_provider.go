package sharecrypt

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/pbkdf2"
)

// MasterKey is the process-wide key that protects every file key. The raw
// bytes live in a memguard enclave and are only exposed for the duration of
// a single operation.
type MasterKey struct {
	enclave *memguard.Enclave
}

// DeriveMasterKey derives the 32-byte master key from a long-term secret and
// the deployment salt. The result is deterministic for identical inputs so
// keys wrapped before a restart stay unwrappable.
func DeriveMasterKey(secret, salt []byte, params PBKDF2Params) (*MasterKey, error) {
	if len(secret) == 0 {
		return nil, NewDerivationError("secret cannot be empty", nil)
	}
	if len(salt) == 0 {
		return nil, NewDerivationError("salt cannot be empty", nil)
	}

	params = params.withDefaults()
	if params.Iterations < 1 {
		return nil, NewDerivationError(fmt.Sprintf("invalid iteration count %d", params.Iterations), nil)
	}
	hashFunc := params.HashFunc.New()
	if hashFunc == nil {
		return nil, NewDerivationError(fmt.Sprintf("unsupported hash function: %v", params.HashFunc), nil)
	}

	key := pbkdf2.Key(secret, salt, params.Iterations, KeySize, hashFunc)
	return &MasterKey{enclave: memguard.NewEnclave(key)}, nil
}

// NewMasterKey wraps an existing 32-byte key. The caller's slice is wiped.
func NewMasterKey(raw []byte) (*MasterKey, error) {
	if err := ValidateKey(raw, KeySize); err != nil {
		return nil, NewDerivationError("invalid master key", err)
	}
	return &MasterKey{enclave: memguard.NewEnclave(raw)}, nil
}

// GenerateMasterKey returns a random master key, mostly useful in tests
func GenerateMasterKey() (*MasterKey, error) {
	raw, err := randomBytes(KeySize)
	if err != nil {
		return nil, err
	}
	return NewMasterKey(raw)
}

// use exposes the raw key to fn and destroys the plaintext copy afterwards
func (m *MasterKey) use(fn func(key []byte) error) error {
	if m == nil || m.enclave == nil {
		return ErrNilMasterKey
	}
	buf, err := m.enclave.Open()
	if err != nil {
		return ErrKeyDestroyed
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// GenerateSalt generates a new random salt
func GenerateSalt(size int) ([]byte, error) {
	if size <= 0 {
		size = 32
	}
	salt, err := randomBytes(size)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// LoadOrCreateSalt reads the hex-encoded deployment salt at path, creating
// it with size random bytes on first start. The salt is not secret but it
// must never change once keys have been wrapped under it.
func LoadOrCreateSalt(path string, size int) ([]byte, error) {
	if err := ValidateFilePath(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		salt, err := hex.DecodeString(string(bytes.TrimSpace(data)))
		if err != nil {
			return nil, NewDerivationError("salt file is not valid hex", err)
		}
		if len(salt) == 0 {
			return nil, NewDerivationError("salt file is empty", nil)
		}
		return salt, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt, err := GenerateSalt(size)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create salt directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		// Another process won the race, use its salt.
		return LoadOrCreateSalt(path, size)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create salt file: %w", err)
	}
	if _, err := f.WriteString(hex.EncodeToString(salt) + "\n"); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write salt file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close salt file: %w", err)
	}
	return salt, nil
}
