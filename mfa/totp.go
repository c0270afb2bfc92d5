package mfa

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"image/png"
	"net/url"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// SecretSize is the TOTP seed size in bytes
	SecretSize = 20
	// Period is the TOTP time step
	Period = 30 * time.Second
	// Skew is the number of steps accepted on either side of the current one
	Skew = 1
)

var (
	b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

	validateOpts = totp.ValidateOpts{
		Period:    uint(Period / time.Second),
		Skew:      Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
)

// GenerateSecret returns a fresh base32 TOTP seed
func GenerateSecret() (string, error) {
	raw := make([]byte, SecretSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate totp secret: %w", err)
	}
	return b32.EncodeToString(raw), nil
}

// ProvisioningURI builds the otpauth URI consumed by authenticator apps
func ProvisioningURI(issuer, account, secret string) string {
	return fmt.Sprintf("otpauth://totp/%s:%s?secret=%s&issuer=%s",
		url.PathEscape(issuer), url.PathEscape(account), secret, url.QueryEscape(issuer))
}

// QRCode renders a provisioning URI as a PNG data URL
func QRCode(uri string, size int) (string, error) {
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return "", fmt.Errorf("failed to parse provisioning uri: %w", err)
	}
	img, err := key.Image(size, size)
	if err != nil {
		return "", fmt.Errorf("failed to render qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("failed to encode qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// VerifyTOTP reports whether code is the 6-digit TOTP for secret at the
// given time, allowing one step of clock skew either way. Malformed codes
// and malformed secrets are simply false.
func VerifyTOTP(secret, code string, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, at.UTC(), validateOpts)
	return err == nil && ok
}

// GenerateCode returns the TOTP for secret at the given time
func GenerateCode(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at.UTC(), validateOpts)
}

// stepAt returns the TOTP counter for t
func stepAt(t time.Time) int64 {
	return t.Unix() / int64(Period/time.Second)
}

// matchStep is VerifyTOTP that also returns the matching step, so callers
// can refuse a code that was already used. Every candidate step is checked
// to keep timing independent of which one matched.
func matchStep(secret, code string, at time.Time) (int64, bool) {
	if len(code) != validateOpts.Digits.Length() {
		return 0, false
	}

	var (
		matched int64
		found   int
	)
	base := stepAt(at)
	for off := -Skew; off <= Skew; off++ {
		t := time.Unix((base+int64(off))*int64(Period/time.Second), 0).UTC()
		want, err := totp.GenerateCodeCustom(secret, t, validateOpts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 && found == 0 {
			matched = base + int64(off)
			found = 1
		}
	}
	return matched, found == 1
}
