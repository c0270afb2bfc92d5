package sharecrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Content format:
//
//	AES-256-CBC(encKey, iv, PKCS7(plaintext)) || HMAC-SHA256(macKey, iv || body)
//
// encKey and macKey are derived from the file key with HKDF. The tag is
// verified over the whole body before any plaintext is released, so a
// padding failure can never be observed on tampered data.

// deriveContentKeys splits a file key into independent encryption and MAC keys
func deriveContentKeys(fileKey []byte) (encKey, macKey []byte, err error) {
	encKey = make([]byte, KeySize)
	macKey = make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, fileKey, nil, []byte("sharecrypt/content-enc")), encKey); err != nil {
		return nil, nil, fmt.Errorf("failed to derive content key: %w", err)
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, fileKey, nil, []byte("sharecrypt/content-mac")), macKey); err != nil {
		return nil, nil, fmt.Errorf("failed to derive mac key: %w", err)
	}
	return encKey, macKey, nil
}

func newContentMAC(macKey, iv []byte) hash.Hash {
	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)
	return mac
}

// EncryptStream encrypts src into dst in block-aligned segments of the
// cipher's chunk size and returns the number of plaintext bytes consumed.
func (c *FileCipher) EncryptStream(dst io.Writer, src io.Reader, key, iv []byte) (int64, error) {
	if err := ValidateKey(key, KeySize); err != nil {
		return 0, err
	}
	if err := ValidateIV(iv); err != nil {
		return 0, err
	}

	encKey, macKey, err := deriveContentKeys(key)
	if err != nil {
		return 0, err
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return 0, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	mode := cipher.NewCBCEncrypter(block, iv)
	mac := newContentMAC(macKey, iv)

	buf := make([]byte, c.chunkSize, c.chunkSize+BlockSize)
	var total int64
	for {
		n, rerr := io.ReadFull(src, buf[:c.chunkSize])
		total += int64(n)

		final := false
		chunk := buf[:n]
		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			chunk = pkcs7Pad(chunk)
			final = true
		default:
			return total, fmt.Errorf("failed to read plaintext: %w", rerr)
		}

		mode.CryptBlocks(chunk, chunk)
		mac.Write(chunk)
		if _, err := dst.Write(chunk); err != nil {
			return total, fmt.Errorf("failed to write ciphertext: %w", err)
		}
		if final {
			break
		}
	}

	if _, err := dst.Write(mac.Sum(nil)); err != nil {
		return total, fmt.Errorf("failed to write tag: %w", err)
	}
	return total, nil
}

// DecryptStream verifies and decrypts size bytes of ciphertext from src into
// dst and returns the number of plaintext bytes written. Nothing is written
// unless the integrity tag matches.
func (c *FileCipher) DecryptStream(dst io.Writer, src io.ReaderAt, size int64, key, iv []byte) (int64, error) {
	if err := ValidateKey(key, KeySize); err != nil {
		return 0, err
	}
	if err := ValidateIV(iv); err != nil {
		return 0, err
	}
	if size%BlockSize != 0 {
		return 0, NewDecryptionError("ciphertext length is not a multiple of the block size", ErrInvalidCiphertext)
	}
	if size < BlockSize+TagSize {
		return 0, NewDecryptionError("ciphertext too short", ErrInvalidCiphertext)
	}

	encKey, macKey, err := deriveContentKeys(key)
	if err != nil {
		return 0, err
	}
	bodyLen := size - TagSize

	// Pass 1: authenticate.
	mac := newContentMAC(macKey, iv)
	buf := make([]byte, c.chunkSize)
	if _, err := io.CopyBuffer(mac, io.NewSectionReader(src, 0, bodyLen), buf); err != nil {
		return 0, fmt.Errorf("failed to read ciphertext: %w", err)
	}
	tag := make([]byte, TagSize)
	if n, err := src.ReadAt(tag, bodyLen); n < TagSize {
		return 0, fmt.Errorf("failed to read tag: %w", err)
	}
	if !hmac.Equal(mac.Sum(nil), tag) {
		return 0, NewDecryptionError("integrity check failed", ErrAuthFailed)
	}

	// Pass 2: decrypt, unpadding the final segment. Blobs are write-once, so
	// src must not change between passes; the body is hashed again and the
	// final segment is withheld unless it still matches the tag.
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return 0, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	mode := cipher.NewCBCDecrypter(block, iv)
	r := io.NewSectionReader(src, 0, bodyLen)
	mac.Reset()
	mac.Write(iv)

	var written int64
	for remaining := bodyLen; remaining > 0; {
		n := int64(c.chunkSize)
		if remaining < n {
			n = remaining
		}
		chunk := buf[:n]
		if _, err := io.ReadFull(r, chunk); err != nil {
			return written, fmt.Errorf("failed to read ciphertext: %w", err)
		}
		mac.Write(chunk)
		mode.CryptBlocks(chunk, chunk)
		remaining -= n

		if remaining == 0 {
			if !hmac.Equal(mac.Sum(nil), tag) {
				return written, NewDecryptionError("ciphertext changed while decrypting", ErrAuthFailed)
			}
			chunk, err = pkcs7Unpad(chunk)
			if err != nil {
				return written, err
			}
		}
		w, err := dst.Write(chunk)
		written += int64(w)
		if err != nil {
			return written, fmt.Errorf("failed to write plaintext: %w", err)
		}
	}
	return written, nil
}
