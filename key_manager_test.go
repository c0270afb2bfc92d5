package sharecrypt

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestKeyManager(t testing.TB, suite CipherSuite) *KeyManager {
	t.Helper()
	master, err := GenerateMasterKey()
	require.NoError(t, err)
	km, err := NewKeyManager(master, suite)
	require.NoError(t, err)
	return km
}

func TestDeriveMasterKey(t *testing.T) {
	salt := bytes.Repeat([]byte{0x42}, 32)

	t.Run("deterministic", func(t *testing.T) {
		m1, err := DeriveMasterKey([]byte("long-term secret"), salt, DefaultPBKDF2Params())
		require.NoError(t, err)
		m2, err := DeriveMasterKey([]byte("long-term secret"), salt, DefaultPBKDF2Params())
		require.NoError(t, err)

		km1, err := NewKeyManager(m1, CipherAES256GCM)
		require.NoError(t, err)
		km2, err := NewKeyManager(m2, CipherAES256GCM)
		require.NoError(t, err)

		fileKey, _, err := NewFileKey()
		require.NoError(t, err)
		wrapped, err := km1.WrapKey(fileKey)
		require.NoError(t, err)

		got, err := km2.UnwrapKey(wrapped)
		require.NoError(t, err)
		assert.Equal(t, fileKey, got)
	})

	t.Run("different salt gives different key", func(t *testing.T) {
		m1, err := DeriveMasterKey([]byte("secret"), salt, PBKDF2Params{Iterations: 1000})
		require.NoError(t, err)
		m2, err := DeriveMasterKey([]byte("secret"), bytes.Repeat([]byte{0x43}, 32), PBKDF2Params{Iterations: 1000})
		require.NoError(t, err)

		km1, _ := NewKeyManager(m1, CipherAuto)
		km2, _ := NewKeyManager(m2, CipherAuto)

		wrapped, err := km1.WrapKey(bytes.Repeat([]byte{7}, KeySize))
		require.NoError(t, err)
		_, err = km2.UnwrapKey(wrapped)
		assert.True(t, IsKeyUnwrapError(err))
	})

	t.Run("empty secret", func(t *testing.T) {
		_, err := DeriveMasterKey(nil, salt, DefaultPBKDF2Params())
		assert.True(t, IsDerivationError(err))
	})

	t.Run("empty salt", func(t *testing.T) {
		_, err := DeriveMasterKey([]byte("secret"), nil, DefaultPBKDF2Params())
		assert.True(t, IsDerivationError(err))
	})

	t.Run("unknown hash", func(t *testing.T) {
		_, err := DeriveMasterKey([]byte("secret"), salt, PBKDF2Params{HashFunc: HashFunc(9)})
		assert.True(t, IsDerivationError(err))
	})

	t.Run("sha512", func(t *testing.T) {
		_, err := DeriveMasterKey([]byte("secret"), salt, PBKDF2Params{Iterations: 1000, HashFunc: SHA512})
		assert.NoError(t, err)
	})
}

func TestNewKeyManager(t *testing.T) {
	_, err := NewKeyManager(nil, CipherAES256GCM)
	assert.ErrorIs(t, err, ErrNilMasterKey)

	master, err := GenerateMasterKey()
	require.NoError(t, err)
	_, err = NewKeyManager(master, CipherSuite(99))
	assert.ErrorIs(t, err, ErrUnsupportedCipher)

	km, err := NewKeyManager(master, CipherAuto)
	require.NoError(t, err)
	assert.Equal(t, CipherAES256GCM, km.Suite())
}

func TestWrapKeyRoundTrip(t *testing.T) {
	for _, suite := range []CipherSuite{CipherAES256GCM, CipherChaCha20Poly1305} {
		t.Run(suite.String(), func(t *testing.T) {
			km := newTestKeyManager(t, suite)
			rapid.Check(t, func(rt *rapid.T) {
				fileKey := rapid.SliceOfN(rapid.Byte(), KeySize, KeySize).Draw(rt, "fileKey")
				wrapped, err := km.WrapKey(fileKey)
				if err != nil {
					rt.Fatalf("WrapKey: %v", err)
				}
				if len(wrapped) != KeySize+WrappedOverhead() {
					rt.Fatalf("wrapped length %d, want %d", len(wrapped), KeySize+WrappedOverhead())
				}
				got, err := km.UnwrapKey(wrapped)
				if err != nil {
					rt.Fatalf("UnwrapKey: %v", err)
				}
				if !bytes.Equal(got, fileKey) {
					rt.Fatalf("round trip mismatch")
				}
			})
		})
	}
}

func TestWrapKeyRejectsBadLength(t *testing.T) {
	km := newTestKeyManager(t, CipherAES256GCM)
	for _, n := range []int{0, 16, 31, 33, 64} {
		_, err := km.WrapKey(make([]byte, n))
		assert.True(t, IsValidationError(err), "length %d", n)
	}
	_, err := km.WrapKey(nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestUnwrapKeyWrongMaster(t *testing.T) {
	km1 := newTestKeyManager(t, CipherAES256GCM)
	km2 := newTestKeyManager(t, CipherAES256GCM)

	fileKey, _, err := NewFileKey()
	require.NoError(t, err)
	wrapped, err := km1.WrapKey(fileKey)
	require.NoError(t, err)

	got, err := km2.UnwrapKey(wrapped)
	assert.Nil(t, got)
	assert.True(t, IsKeyUnwrapError(err))
}

func TestUnwrapKeyTamperDetection(t *testing.T) {
	km := newTestKeyManager(t, CipherAES256GCM)
	fileKey, _, err := NewFileKey()
	require.NoError(t, err)
	wrapped, err := km.WrapKey(fileKey)
	require.NoError(t, err)

	rapid.Check(t, func(rt *rapid.T) {
		idx := rapid.IntRange(0, len(wrapped)-1).Draw(rt, "idx")
		flip := rapid.ByteRange(1, 255).Draw(rt, "flip")

		tampered := append([]byte(nil), wrapped...)
		tampered[idx] ^= flip

		got, err := km.UnwrapKey(tampered)
		if err == nil || got != nil {
			rt.Fatalf("tampered byte %d unwrapped successfully", idx)
		}
		if !IsKeyUnwrapError(err) {
			rt.Fatalf("got %T, want *KeyUnwrapError", err)
		}
	})
}

func TestUnwrapKeyTruncated(t *testing.T) {
	km := newTestKeyManager(t, CipherChaCha20Poly1305)
	wrapped, err := km.WrapKey(bytes.Repeat([]byte{1}, KeySize))
	require.NoError(t, err)

	for n := 0; n < len(wrapped); n++ {
		_, err := km.UnwrapKey(wrapped[:n])
		require.True(t, IsKeyUnwrapError(err), "truncated to %d bytes", n)
	}
}

func TestUnwrapAcrossSuites(t *testing.T) {
	master, err := GenerateMasterKey()
	require.NoError(t, err)

	raw := make([]byte, KeySize)
	require.NoError(t, master.use(func(key []byte) error {
		copy(raw, key)
		return nil
	}))
	master2, err := NewMasterKey(raw)
	require.NoError(t, err)

	gcm, err := NewKeyManager(master, CipherAES256GCM)
	require.NoError(t, err)
	chacha, err := NewKeyManager(master2, CipherChaCha20Poly1305)
	require.NoError(t, err)

	fileKey := bytes.Repeat([]byte{9}, KeySize)
	wrapped, err := gcm.WrapKey(fileKey)
	require.NoError(t, err)

	got, err := chacha.UnwrapKey(wrapped)
	require.NoError(t, err)
	assert.Equal(t, fileKey, got)
}

func TestSealOpenBindsAAD(t *testing.T) {
	km := newTestKeyManager(t, CipherAES256GCM)

	sealed, err := km.Seal([]byte("totp seed"), []byte("user-1"))
	require.NoError(t, err)

	got, err := km.Open(sealed, []byte("user-1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("totp seed"), got)

	_, err = km.Open(sealed, []byte("user-2"))
	assert.True(t, IsKeyUnwrapError(err))
}

func TestWrapKeyConcurrent(t *testing.T) {
	km := newTestKeyManager(t, CipherAES256GCM)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fileKey := bytes.Repeat([]byte{byte(i)}, KeySize)
			wrapped, err := km.WrapKey(fileKey)
			if err != nil {
				errs <- err
				return
			}
			got, err := km.UnwrapKey(wrapped)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(got, fileKey) {
				errs <- assert.AnError
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestDeriveSubkey(t *testing.T) {
	km := newTestKeyManager(t, CipherAES256GCM)

	a1, err := km.DeriveSubkey("backup-codes", 32)
	require.NoError(t, err)
	a2, err := km.DeriveSubkey("backup-codes", 32)
	require.NoError(t, err)
	b, err := km.DeriveSubkey("tickets", 32)
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)

	_, err = km.DeriveSubkey("", 32)
	assert.True(t, IsValidationError(err))
	_, err = km.DeriveSubkey("x", 8)
	assert.True(t, IsValidationError(err))
}

func TestLoadOrCreateSalt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "salt")

	salt, err := LoadOrCreateSalt(path, 32)
	require.NoError(t, err)
	assert.Len(t, salt, 32)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := LoadOrCreateSalt(path, 32)
	require.NoError(t, err)
	assert.Equal(t, salt, again)

	other, err := LoadOrCreateSalt(filepath.Join(t.TempDir(), "salt"), 32)
	require.NoError(t, err)
	assert.NotEqual(t, salt, other)
}

func TestLoadOrCreateSaltInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "salt")
	require.NoError(t, os.WriteFile(path, []byte("not hex"), 0o600))

	_, err := LoadOrCreateSalt(path, 32)
	assert.True(t, IsDerivationError(err))

	_, err = LoadOrCreateSalt("", 32)
	assert.True(t, IsValidationError(err))
}
