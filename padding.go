package sharecrypt

import (
	"crypto/subtle"
)

// pkcs7Pad appends 1 to BlockSize bytes, each equal to the pad length
func pkcs7Pad(b []byte) []byte {
	n := BlockSize - len(b)%BlockSize
	for i := 0; i < n; i++ {
		b = append(b, byte(n))
	}
	return b
}

// pkcs7Unpad strips PKCS#7 padding from a block-aligned buffer
func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%BlockSize != 0 {
		return nil, &PaddingError{Message: "padded data is not block aligned"}
	}

	n := int(b[len(b)-1])
	if n == 0 || n > BlockSize {
		return nil, &PaddingError{Message: "invalid pad length"}
	}

	// Compare the whole final block so timing does not depend on n.
	tail := b[len(b)-BlockSize:]
	good := 1
	for i := 0; i < BlockSize; i++ {
		inPad := subtle.ConstantTimeLessOrEq(BlockSize-n, i)
		eq := subtle.ConstantTimeByteEq(tail[i], byte(n))
		good &= subtle.ConstantTimeSelect(inPad, eq, 1)
	}
	if good != 1 {
		return nil, &PaddingError{Message: "inconsistent pad bytes"}
	}
	return b[:len(b)-n], nil
}
