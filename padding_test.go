package sharecrypt

import (
	"bytes"
	"testing"
)

func TestPKCS7Pad(t *testing.T) {
	for n := 0; n <= 3*BlockSize; n++ {
		padded := pkcs7Pad(bytes.Repeat([]byte{0xAA}, n))
		if len(padded)%BlockSize != 0 {
			t.Fatalf("pad(%d) length %d not aligned", n, len(padded))
		}
		padLen := len(padded) - n
		if padLen < 1 || padLen > BlockSize {
			t.Fatalf("pad(%d) added %d bytes", n, padLen)
		}
		for _, b := range padded[n:] {
			if int(b) != padLen {
				t.Fatalf("pad(%d) byte %d, want %d", n, b, padLen)
			}
		}

		got, err := pkcs7Unpad(padded)
		if err != nil {
			t.Fatalf("unpad(%d) failed: %v", n, err)
		}
		if len(got) != n {
			t.Fatalf("unpad(%d) returned %d bytes", n, len(got))
		}
	}
}

func TestPKCS7UnpadInvalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unaligned", make([]byte, 15)},
		{"zero pad", make([]byte, 16)},
		{"pad too large", append(make([]byte, 15), 17)},
		{"inconsistent", append(bytes.Repeat([]byte{4}, 14), 3, 4)},
		{"wrong byte inside pad", append(make([]byte, 12), 4, 4, 9, 4)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := pkcs7Unpad(tt.data); !IsPaddingError(err) {
				t.Errorf("pkcs7Unpad() error = %v, want *PaddingError", err)
			}
		})
	}
}
