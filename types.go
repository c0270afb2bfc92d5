package sharecrypt

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

const (
	// KeySize is the size of master keys and file keys (AES-256)
	KeySize = 32

	// IVSize is the size of a content IV (one AES block)
	IVSize = 16

	// BlockSize is the AES block size
	BlockSize = 16

	// TagSize is the size of the content integrity tag (HMAC-SHA256)
	TagSize = 32

	// DefaultChunkSize is the streaming segment size (64 KiB)
	DefaultChunkSize = 64 * 1024
)

// CipherSuite represents the AEAD used to wrap file keys and seal secrets
type CipherSuite uint8

const (
	// CipherAuto selects the default suite (AES-256-GCM)
	CipherAuto CipherSuite = iota
	// CipherAES256GCM uses AES-256 with Galois/Counter Mode
	CipherAES256GCM
	// CipherChaCha20Poly1305 uses ChaCha20 stream cipher with Poly1305 MAC
	CipherChaCha20Poly1305
)

// String returns the string representation of the cipher suite
func (c CipherSuite) String() string {
	switch c {
	case CipherAuto:
		return "auto"
	case CipherAES256GCM:
		return "aes-256-gcm"
	case CipherChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// ParseCipherSuite maps a configuration name to a CipherSuite
func ParseCipherSuite(name string) (CipherSuite, error) {
	switch name {
	case "", "auto":
		return CipherAuto, nil
	case "aes-256-gcm":
		return CipherAES256GCM, nil
	case "chacha20-poly1305":
		return CipherChaCha20Poly1305, nil
	default:
		return 0, NewValidationError("cipher", name, "unsupported cipher suite")
	}
}

// resolve turns CipherAuto into a concrete suite
func (c CipherSuite) resolve() CipherSuite {
	if c == CipherAuto {
		return CipherAES256GCM
	}
	return c
}

// HashFunc represents hash function types for PBKDF2
type HashFunc uint8

const (
	// SHA256 hash function
	SHA256 HashFunc = iota
	// SHA512 hash function
	SHA512
)

// New returns the hash constructor for the hash function, or nil if unknown
func (hf HashFunc) New() func() hash.Hash {
	switch hf {
	case SHA256:
		return sha256.New
	case SHA512:
		return sha512.New
	default:
		return nil
	}
}

// PBKDF2Params contains parameters for master key derivation
type PBKDF2Params struct {
	Iterations int      // Number of iterations (minimum 100,000 recommended)
	HashFunc   HashFunc // Hash function to use
	SaltSize   int      // Salt size in bytes (default 32)
}

// DefaultPBKDF2Params returns the parameters used when none are configured
func DefaultPBKDF2Params() PBKDF2Params {
	return PBKDF2Params{
		Iterations: 100000,
		HashFunc:   SHA256,
		SaltSize:   32,
	}
}

func (p PBKDF2Params) withDefaults() PBKDF2Params {
	if p.Iterations == 0 {
		p.Iterations = 100000
	}
	if p.SaltSize == 0 {
		p.SaltSize = 32
	}
	return p
}
