package sharecrypt

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
)

// KeyManager wraps and unwraps per-file keys under the master key. It is
// immutable after construction and safe for concurrent use. Construct one at
// startup and pass it to every component that needs it.
type KeyManager struct {
	master *MasterKey
	suite  CipherSuite
}

// NewKeyManager creates a key manager that wraps new keys with suite.
// Unwrapping accepts any supported suite recorded in the wrapped value.
func NewKeyManager(master *MasterKey, suite CipherSuite) (*KeyManager, error) {
	if master == nil {
		return nil, ErrNilMasterKey
	}
	suite = suite.resolve()
	if suite != CipherAES256GCM && suite != CipherChaCha20Poly1305 {
		return nil, ErrUnsupportedCipher
	}
	return &KeyManager{master: master, suite: suite}, nil
}

// Suite returns the cipher suite used for new wrapped values
func (km *KeyManager) Suite() CipherSuite {
	return km.suite
}

// WrapKey encrypts a 32-byte file key under the master key. The result is
// self-contained: the nonce and cipher are embedded.
func (km *KeyManager) WrapKey(fileKey []byte) ([]byte, error) {
	if err := ValidateKey(fileKey, KeySize); err != nil {
		return nil, err
	}
	return km.Seal(fileKey, nil)
}

// UnwrapKey recovers a file key. Any tampering, truncation or master key
// mismatch yields a *KeyUnwrapError and no key material.
func (km *KeyManager) UnwrapKey(wrapped []byte) ([]byte, error) {
	key, err := km.Open(wrapped, nil)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		memguard.WipeBytes(key)
		return nil, NewKeyUnwrapError(fmt.Sprintf("unwrapped key has %d bytes", len(key)), ErrInvalidKey)
	}
	return key, nil
}

// Seal encrypts an arbitrary small secret under the master key, binding aad.
// The same aad must be presented to Open.
func (km *KeyManager) Seal(plaintext, aad []byte) ([]byte, error) {
	h := wrapHeader{Version: WrapVersion, Cipher: km.suite}
	nonce, err := GenerateNonce(km.suite)
	if err != nil {
		return nil, err
	}

	var sealed []byte
	err = km.master.use(func(key []byte) error {
		engine, err := NewCipherEngine(km.suite, key)
		if err != nil {
			return err
		}
		sealed, err = engine.Encrypt(nonce, plaintext, associatedData(h, aad))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to seal: %w", err)
	}

	out := make([]byte, 0, wrapHeaderSize+len(nonce)+len(sealed))
	out = append(out, h.bytes()...)
	out = append(out, nonce...)
	return append(out, sealed...), nil
}

// Open reverses Seal. Failures are reported as *KeyUnwrapError.
func (km *KeyManager) Open(sealed, aad []byte) ([]byte, error) {
	h, nonce, payload, err := parseWrapped(sealed)
	if err != nil {
		return nil, NewKeyUnwrapError("malformed wrapped value", err)
	}

	var plaintext []byte
	err = km.master.use(func(key []byte) error {
		engine, err := NewCipherEngine(h.Cipher, key)
		if err != nil {
			return err
		}
		plaintext, err = engine.Decrypt(nonce, payload, associatedData(h, aad))
		return err
	})
	if err != nil {
		return nil, NewKeyUnwrapError("authentication failed", err)
	}
	return plaintext, nil
}

// DeriveSubkey derives a purpose-bound key from the master key with
// HKDF-SHA256. Distinct purposes yield independent keys.
func (km *KeyManager) DeriveSubkey(purpose string, size int) ([]byte, error) {
	if purpose == "" {
		return nil, NewValidationError("purpose", purpose, "purpose cannot be empty")
	}
	if err := ValidateSize(size, "size", 16, 64); err != nil {
		return nil, err
	}

	out := make([]byte, size)
	err := km.master.use(func(key []byte) error {
		r := hkdf.New(sha256.New, key, nil, []byte("sharecrypt/"+purpose))
		_, err := io.ReadFull(r, out)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to derive subkey: %w", err)
	}
	return out, nil
}

func associatedData(h wrapHeader, aad []byte) []byte {
	return append(h.bytes(), aad...)
}
