// Package sharelink decides whether a public share link may be used and
// accounts for each use.
package sharelink

import (
	"context"
	"errors"
	"time"

	"github.com/absfs/sharecrypt/store"
)

var (
	ErrLinkExpired     = errors.New("link expired")
	ErrLinkExhausted   = errors.New("link exhausted")
	ErrInvalidPassword = errors.New("invalid password")
	ErrLinkNotFound    = errors.New("link not found")
)

// IsValid reports whether link can still be used at now: it has not
// expired and has accesses left.
func IsValid(link store.ShareLink, now time.Time) bool {
	return linkState(link, now) == nil
}

// linkState is IsValid with the reason
func linkState(link store.ShareLink, now time.Time) error {
	if link.ExpiresAt != nil && !now.Before(*link.ExpiresAt) {
		return ErrLinkExpired
	}
	if link.MaxAccessCount != nil && link.AccessCount >= *link.MaxAccessCount {
		return ErrLinkExhausted
	}
	return nil
}

// CheckPassword reports whether candidate opens link. A link without a
// password accepts anything; an unreadable stored hash accepts nothing.
func CheckPassword(link store.ShareLink, candidate string) bool {
	if link.PasswordHash == "" {
		return true
	}
	ok, err := verifyPassword(link.PasswordHash, candidate)
	return err == nil && ok
}

// ConsumeStore is the persistence ConsumeAccess needs
type ConsumeStore interface {
	ConsumeLinkAccess(ctx context.Context, id string, check store.LinkCheck) (store.ShareLink, error)
}

// Validator performs atomic access accounting
type Validator struct {
	store ConsumeStore
	now   func() time.Time
}

// NewValidator returns a Validator over st. A nil now uses time.Now.
func NewValidator(st ConsumeStore, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{store: st, now: now}
}

// ConsumeAccess re-checks validity and records one access in a single
// transaction. A caller that loses the race for the last slot gets
// ErrLinkExhausted, the same as if the link had been used up before.
func (v *Validator) ConsumeAccess(ctx context.Context, linkID string) (store.ShareLink, error) {
	l, err := v.store.ConsumeLinkAccess(ctx, linkID, func(l store.ShareLink) error {
		return linkState(l, v.now())
	})
	if errors.Is(err, store.ErrNotFound) {
		return store.ShareLink{}, ErrLinkNotFound
	}
	return l, err
}
