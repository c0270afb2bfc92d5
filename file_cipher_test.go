package sharecrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"io"
	"testing"

	"github.com/absfs/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewFileCipher(t *testing.T) {
	tests := []struct {
		name      string
		chunkSize int
		wantErr   bool
	}{
		{"default", 0, false},
		{"one block", 16, false},
		{"1 MiB", 1 << 20, false},
		{"negative", -16, true},
		{"not aligned", 1000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc, err := NewFileCipher(tt.chunkSize)
			if tt.wantErr {
				if !IsValidationError(err) {
					t.Fatalf("NewFileCipher(%d) error = %v, want validation error", tt.chunkSize, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewFileCipher(%d) failed: %v", tt.chunkSize, err)
			}
			if tt.chunkSize == 0 && fc.ChunkSize() != DefaultChunkSize {
				t.Errorf("ChunkSize() = %d, want %d", fc.ChunkSize(), DefaultChunkSize)
			}
		})
	}
}

func TestNewFileKey(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key, iv, err := NewFileKey()
		require.NoError(t, err)
		require.Len(t, key, KeySize)
		require.Len(t, iv, IVSize)
		require.False(t, seen[string(key)], "duplicate file key")
		seen[string(key)] = true
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		chunkSize := 16 * rapid.IntRange(1, 8).Draw(rt, "chunkBlocks")
		fc, err := NewFileCipher(chunkSize)
		if err != nil {
			rt.Fatalf("NewFileCipher: %v", err)
		}
		plaintext := rapid.SliceOfN(rapid.Byte(), 0, 600).Draw(rt, "plaintext")
		key := rapid.SliceOfN(rapid.Byte(), KeySize, KeySize).Draw(rt, "key")
		iv := rapid.SliceOfN(rapid.Byte(), IVSize, IVSize).Draw(rt, "iv")

		ct, err := fc.Encrypt(plaintext, key, iv)
		if err != nil {
			rt.Fatalf("Encrypt: %v", err)
		}
		if len(ct)%BlockSize != 0 {
			rt.Fatalf("ciphertext length %d is not block aligned", len(ct))
		}
		if int64(len(ct)) != CiphertextSize(int64(len(plaintext))) {
			rt.Fatalf("ciphertext length %d, want %d", len(ct), CiphertextSize(int64(len(plaintext))))
		}

		pt, err := fc.Decrypt(ct, key, iv)
		if err != nil {
			rt.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(pt, plaintext) {
			rt.Fatalf("round trip mismatch")
		}
	})
}

func TestEncryptIsDeterministic(t *testing.T) {
	fc, err := NewFileCipher(0)
	require.NoError(t, err)
	key, iv, err := NewFileKey()
	require.NoError(t, err)

	a, err := fc.Encrypt([]byte("same input"), key, iv)
	require.NoError(t, err)
	b, err := fc.Encrypt([]byte("same input"), key, iv)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestChunkingDoesNotChangeOutput(t *testing.T) {
	key, iv, err := NewFileKey()
	require.NoError(t, err)
	plaintext := bytes.Repeat([]byte("0123456789abcdef-"), 1000)

	small, err := NewFileCipher(16)
	require.NoError(t, err)
	large, err := NewFileCipher(DefaultChunkSize)
	require.NoError(t, err)

	a, err := small.Encrypt(plaintext, key, iv)
	require.NoError(t, err)
	b, err := large.Encrypt(plaintext, key, iv)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	got, err := small.Decrypt(b, key, iv)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecryptTamperDetection(t *testing.T) {
	fc, err := NewFileCipher(32)
	require.NoError(t, err)
	key, iv, err := NewFileKey()
	require.NoError(t, err)
	ct, err := fc.Encrypt([]byte("attack at dawn, bring snacks and maps"), key, iv)
	require.NoError(t, err)

	rapid.Check(t, func(rt *rapid.T) {
		idx := rapid.IntRange(0, len(ct)-1).Draw(rt, "idx")
		flip := rapid.ByteRange(1, 255).Draw(rt, "flip")

		tampered := append([]byte(nil), ct...)
		tampered[idx] ^= flip

		pt, err := fc.Decrypt(tampered, key, iv)
		if err == nil || pt != nil {
			rt.Fatalf("tampered byte %d decrypted successfully", idx)
		}
		if !IsDecryptionError(err) {
			rt.Fatalf("got %v, want *DecryptionError", err)
		}
	})
}

func TestDecryptWrongKeyOrIV(t *testing.T) {
	fc, err := NewFileCipher(0)
	require.NoError(t, err)
	key, iv, err := NewFileKey()
	require.NoError(t, err)
	ct, err := fc.Encrypt([]byte("secret"), key, iv)
	require.NoError(t, err)

	otherKey, otherIV, err := NewFileKey()
	require.NoError(t, err)

	_, err = fc.Decrypt(ct, otherKey, iv)
	assert.True(t, IsDecryptionError(err))
	_, err = fc.Decrypt(ct, key, otherIV)
	assert.True(t, IsDecryptionError(err))
}

func TestDecryptBadLength(t *testing.T) {
	fc, err := NewFileCipher(0)
	require.NoError(t, err)
	key, iv, err := NewFileKey()
	require.NoError(t, err)

	for _, n := range []int{0, 1, 15, 17, 32, 47, 63} {
		_, err := fc.Decrypt(make([]byte, n), key, iv)
		if !IsDecryptionError(err) {
			t.Errorf("Decrypt(%d bytes) error = %v, want *DecryptionError", n, err)
		}
		if !errors.Is(err, ErrInvalidCiphertext) {
			t.Errorf("Decrypt(%d bytes) should wrap ErrInvalidCiphertext", n)
		}
	}
}

func TestDecryptBadPadding(t *testing.T) {
	fc, err := NewFileCipher(0)
	require.NoError(t, err)
	key, iv, err := NewFileKey()
	require.NoError(t, err)

	// A correctly authenticated block whose last byte is not valid padding.
	encKey, macKey, err := deriveContentKeys(key)
	require.NoError(t, err)
	block, err := aes.NewCipher(encKey)
	require.NoError(t, err)

	body := bytes.Repeat([]byte{0x11}, BlockSize)
	body[BlockSize-1] = 0x00
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(body, body)
	mac := newContentMAC(macKey, iv)
	mac.Write(body)
	ct := append(body, mac.Sum(nil)...)

	_, err = fc.Decrypt(ct, key, iv)
	assert.True(t, IsPaddingError(err), "got %v", err)
}

func TestEncryptRejectsBadKeyMaterial(t *testing.T) {
	fc, err := NewFileCipher(0)
	require.NoError(t, err)

	_, err = fc.Encrypt([]byte("x"), make([]byte, 16), make([]byte, IVSize))
	assert.True(t, IsValidationError(err))
	_, err = fc.Encrypt([]byte("x"), make([]byte, KeySize), make([]byte, 8))
	assert.True(t, IsValidationError(err))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestEncryptStreamReadError(t *testing.T) {
	fc, err := NewFileCipher(0)
	require.NoError(t, err)
	key, iv, err := NewFileKey()
	require.NoError(t, err)

	_, err = fc.EncryptStream(io.Discard, failingReader{}, key, iv)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

// rewritingReaderAt serves versions[i] for the i-th pass over the data,
// starting a new pass on each read at offset 0.
type rewritingReaderAt struct {
	versions [][]byte
	pass     int
}

func (r *rewritingReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off == 0 {
		r.pass++
	}
	data := r.versions[min(r.pass, len(r.versions))-1]
	return bytes.NewReader(data).ReadAt(p, off)
}

func TestDecryptStreamSourceChangedBetweenPasses(t *testing.T) {
	for _, chunkSize := range []int{16, 4096} {
		fc, err := NewFileCipher(chunkSize)
		require.NoError(t, err)
		key, iv, err := NewFileKey()
		require.NoError(t, err)

		plaintext := bytes.Repeat([]byte("write once, read many. "), 20)
		ct, err := fc.Encrypt(plaintext, key, iv)
		require.NoError(t, err)
		changed := append([]byte(nil), ct...)
		changed[0] ^= 0x80

		src := &rewritingReaderAt{versions: [][]byte{ct, changed}}
		var out bytes.Buffer
		_, err = fc.DecryptStream(&out, src, int64(len(ct)), key, iv)
		assert.True(t, IsDecryptionError(err), "chunk %d: got %v", chunkSize, err)
		assert.ErrorIs(t, err, ErrAuthFailed)
		assert.Equal(t, 2, src.pass)
		assert.Less(t, out.Len(), len(plaintext))
		if chunkSize >= len(ct) {
			assert.Zero(t, out.Len(), "single segment: nothing released")
		}

		// unchanged source still decrypts
		out.Reset()
		_, err = fc.DecryptStream(&out, &rewritingReaderAt{versions: [][]byte{ct}}, int64(len(ct)), key, iv)
		require.NoError(t, err)
		assert.Equal(t, plaintext, out.Bytes())
	}
}

func TestStreamThroughFilesystem(t *testing.T) {
	fs, err := memfs.NewFS()
	require.NoError(t, err)

	fc, err := NewFileCipher(4096)
	require.NoError(t, err)
	key, iv, err := NewFileKey()
	require.NoError(t, err)

	plaintext := make([]byte, 3*4096+123)
	for i := range plaintext {
		plaintext[i] = byte(i * 7)
	}

	f, err := fs.Create("/blob.bin")
	require.NoError(t, err)
	n, err := fc.EncryptStream(f, bytes.NewReader(plaintext), key, iv)
	require.NoError(t, err)
	require.Equal(t, int64(len(plaintext)), n)
	require.NoError(t, f.Close())

	info, err := fs.Stat("/blob.bin")
	require.NoError(t, err)
	require.Equal(t, CiphertextSize(int64(len(plaintext))), info.Size())

	f, err = fs.Open("/blob.bin")
	require.NoError(t, err)
	defer f.Close()

	var out bytes.Buffer
	n, err = fc.DecryptStream(&out, f, info.Size(), key, iv)
	require.NoError(t, err)
	assert.Equal(t, int64(len(plaintext)), n)
	assert.Equal(t, plaintext, out.Bytes())
}
