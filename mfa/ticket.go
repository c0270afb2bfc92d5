package mfa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"time"
)

// Ticket proves that a user passed the second factor. Token is the opaque
// bearer form handed to the client.
type Ticket struct {
	UserID    string
	ExpiresAt time.Time
	Token     string
}

// ticket layout: expiry unix seconds (8 bytes) | user id | HMAC-SHA256
const ticketExpirySize = 8

func signTicket(key []byte, userID string, exp time.Time) Ticket {
	payload := make([]byte, ticketExpirySize, ticketExpirySize+len(userID)+sha256.Size)
	binary.BigEndian.PutUint64(payload, uint64(exp.Unix()))
	payload = append(payload, userID...)

	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	token := base64.RawURLEncoding.EncodeToString(mac.Sum(payload))

	return Ticket{UserID: userID, ExpiresAt: time.Unix(exp.Unix(), 0), Token: token}
}

func parseTicket(key []byte, token string, now time.Time) (Ticket, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) <= ticketExpirySize+sha256.Size {
		return Ticket{}, ErrInvalidTicket
	}

	payload, sum := raw[:len(raw)-sha256.Size], raw[len(raw)-sha256.Size:]
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), sum) {
		return Ticket{}, ErrInvalidTicket
	}

	exp := time.Unix(int64(binary.BigEndian.Uint64(payload[:ticketExpirySize])), 0)
	if !now.Before(exp) {
		return Ticket{}, ErrInvalidTicket
	}
	return Ticket{
		UserID:    string(payload[ticketExpirySize:]),
		ExpiresAt: exp,
		Token:     token,
	}, nil
}
