package sharecrypt

import (
	"fmt"
)

const (
	// WrapVersion is the current wrapped-key format version
	WrapVersion = uint8(1)

	// wrapHeaderSize is version (1 byte) + cipher (1 byte)
	wrapHeaderSize = 2
)

// wrapHeader prefixes every wrapped key and sealed secret. It is bound to
// the ciphertext as associated data, so editing it breaks authentication.
//
// Layout: version(1) | cipher(1) | nonce(NonceSize) | sealed payload
type wrapHeader struct {
	Version uint8
	Cipher  CipherSuite
}

func (h wrapHeader) bytes() []byte {
	return []byte{h.Version, byte(h.Cipher)}
}

// Validate checks if the header describes a format this build can open
func (h wrapHeader) Validate() error {
	if h.Version == 0 || h.Version > WrapVersion {
		return ErrUnsupportedVersion
	}
	if h.Cipher != CipherAES256GCM && h.Cipher != CipherChaCha20Poly1305 {
		return ErrUnsupportedCipher
	}
	return nil
}

// parseWrapped splits a wrapped value into its header, nonce and payload
func parseWrapped(data []byte) (wrapHeader, []byte, []byte, error) {
	if len(data) < wrapHeaderSize {
		return wrapHeader{}, nil, nil, fmt.Errorf("wrapped value too short: %d bytes", len(data))
	}

	h := wrapHeader{Version: data[0], Cipher: CipherSuite(data[1])}
	if err := h.Validate(); err != nil {
		return h, nil, nil, err
	}

	nonceSize := 12
	if len(data) < wrapHeaderSize+nonceSize {
		return h, nil, nil, fmt.Errorf("wrapped value truncated: %d bytes", len(data))
	}
	nonce := data[wrapHeaderSize : wrapHeaderSize+nonceSize]
	return h, nonce, data[wrapHeaderSize+nonceSize:], nil
}

// WrappedOverhead is the number of bytes a wrapped value adds to its payload
func WrappedOverhead() int {
	// header + nonce + 16-byte AEAD tag; identical for both suites
	return wrapHeaderSize + 12 + 16
}
