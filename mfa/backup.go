package mfa

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/absfs/sharecrypt"
	"github.com/absfs/sharecrypt/store"
)

const (
	// BackupCodeLength is the number of hex characters in a backup code
	BackupCodeLength = 8
	maxCodeAttempts  = 3
	maxBackupCodes   = 100
)

func newBackupCode() (string, error) {
	raw := make([]byte, BackupCodeLength/2)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate backup code: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// normalizeBackupCode lowercases and trims a candidate code. ok is false
// when it cannot be a backup code at all.
func normalizeBackupCode(code string) (string, bool) {
	code = strings.ToLower(strings.TrimSpace(code))
	if len(code) != BackupCodeLength {
		return "", false
	}
	if _, err := hex.DecodeString(code); err != nil {
		return "", false
	}
	return code, true
}

func (s *Service) hashBackupCode(user, code string) string {
	mac := hmac.New(sha256.New, s.pepper)
	mac.Write([]byte(user))
	mac.Write([]byte{0})
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateBackupCodes replaces the user's unused backup codes with count
// fresh ones (the configured default when count <= 0). Used codes are kept.
// The plaintext codes are returned only here.
func (s *Service) GenerateBackupCodes(ctx context.Context, userID string, count int) ([]string, error) {
	if count <= 0 {
		count = s.cfg.BackupCodeCount
	}
	if err := sharecrypt.ValidateSize(count, "count", 1, maxBackupCodes); err != nil {
		return nil, err
	}

	var err error
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		var codes []string
		codes, err = s.generateBackupCodes(ctx, userID, count)
		if err == nil {
			s.log.WithFields(logrus.Fields{"user": userID, "count": count}).Info("backup codes generated")
			return codes, nil
		}
		// collision with a code that was already used; try a new batch
		if !errors.Is(err, store.ErrExists) {
			return nil, err
		}
	}
	return nil, err
}

func (s *Service) generateBackupCodes(ctx context.Context, userID string, count int) ([]string, error) {
	now := s.cfg.Now()
	codes := make([]string, 0, count)
	records := make([]store.BackupCode, 0, count)
	seen := make(map[string]bool, count)
	for len(codes) < count {
		code, err := newBackupCode()
		if err != nil {
			return nil, err
		}
		if seen[code] {
			continue
		}
		seen[code] = true
		codes = append(codes, code)
		records = append(records, store.BackupCode{
			UserID:    userID,
			CodeHash:  s.hashBackupCode(userID, code),
			CreatedAt: now,
		})
	}

	err := s.store.ReplaceBackupCodes(ctx, userID, records, func(a store.MFAAccount) error {
		if a.State == store.MFADisabled {
			return ErrNotEnabled
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// VerifyBackupCode consumes one of the user's unused backup codes and
// issues a ticket. Finding the code and marking it used are one atomic
// step, so a code works once even under concurrent attempts.
func (s *Service) VerifyBackupCode(ctx context.Context, userID, code string) (Ticket, error) {
	norm, ok := normalizeBackupCode(code)
	if !ok {
		return Ticket{}, ErrInvalidCode
	}

	_, err := s.store.ConsumeBackupCode(ctx, userID, s.hashBackupCode(userID, norm), s.cfg.Now())
	if errors.Is(err, store.ErrNotFound) {
		s.log.WithField("user", userID).Warn("backup code rejected")
		return Ticket{}, ErrInvalidCode
	}
	if err != nil {
		return Ticket{}, err
	}

	s.log.WithField("user", userID).Info("backup code used")
	return s.IssueTicket(userID), nil
}
