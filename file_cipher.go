package sharecrypt

import (
	"bytes"
)

// FileCipher encrypts file contents. It holds no key material and is safe
// for concurrent use.
type FileCipher struct {
	chunkSize int
}

// NewFileCipher creates a file cipher that streams in segments of chunkSize
// bytes. Zero selects DefaultChunkSize.
func NewFileCipher(chunkSize int) (*FileCipher, error) {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if err := ValidateChunkSize(chunkSize); err != nil {
		return nil, err
	}
	return &FileCipher{chunkSize: chunkSize}, nil
}

// ChunkSize returns the streaming segment size
func (c *FileCipher) ChunkSize() int {
	return c.chunkSize
}

// NewFileKey generates a fresh random file key and content IV
func NewFileKey() (key, iv []byte, err error) {
	key, err = randomBytes(KeySize)
	if err != nil {
		return nil, nil, err
	}
	iv, err = randomBytes(IVSize)
	if err != nil {
		return nil, nil, err
	}
	return key, iv, nil
}

// Encrypt encrypts an in-memory plaintext
func (c *FileCipher) Encrypt(plaintext, key, iv []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(CiphertextSize(int64(len(plaintext)))))
	if _, err := c.EncryptStream(&buf, bytes.NewReader(plaintext), key, iv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decrypt verifies and decrypts an in-memory ciphertext
func (c *FileCipher) Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := c.DecryptStream(&buf, bytes.NewReader(ciphertext), int64(len(ciphertext)), key, iv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CiphertextSize returns the stored size of a plaintext of n bytes
func CiphertextSize(n int64) int64 {
	return (n/BlockSize+1)*BlockSize + TagSize
}
