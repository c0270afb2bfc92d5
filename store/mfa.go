package store

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	mfa/<user>                  MFAAccount
//	backup/<user>/<code hash>   BackupCode
func mfaKey(user string) []byte { return key("mfa", user) }
func backupKey(user, hash string) []byte { return key("backup", user, hash) }

// AccountCheck inspects an MFA account inside a transaction
type AccountCheck func(MFAAccount) error

// GetMFA loads a user's MFA account. A user that never enrolled gets a
// disabled account, not ErrNotFound.
func (s *Store) GetMFA(ctx context.Context, user string) (MFAAccount, error) {
	var acct MFAAccount
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		acct, err = loadMFA(txn, user)
		return err
	})
	return acct, err
}

func loadMFA(txn *badger.Txn, user string) (MFAAccount, error) {
	var acct MFAAccount
	err := getJSON(txn, mfaKey(user), &acct)
	if errors.Is(err, ErrNotFound) {
		return MFAAccount{UserID: user, State: MFADisabled}, nil
	}
	return acct, err
}

// UpdateMFA applies fn to a user's MFA account atomically
func (s *Store) UpdateMFA(ctx context.Context, user string, fn func(*MFAAccount) error) (MFAAccount, error) {
	var out MFAAccount
	err := s.update(ctx, func(txn *badger.Txn) error {
		acct, err := loadMFA(txn, user)
		if err != nil {
			return err
		}
		if err := fn(&acct); err != nil {
			return err
		}
		acct.UserID = user
		out = acct
		return setJSON(txn, mfaKey(user), acct)
	})
	return out, err
}

// DisableMFA clears the account's secret and deletes every backup code,
// used or not, in one transaction.
func (s *Store) DisableMFA(ctx context.Context, user string, now time.Time, check AccountCheck) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		acct, err := loadMFA(txn, user)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(acct); err != nil {
				return err
			}
		}
		for _, k := range keysWithPrefix(txn, prefix("backup", user)) {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		acct.State = MFADisabled
		acct.SealedSecret = nil
		acct.LastStep = 0
		acct.EnabledAt = nil
		acct.UpdatedAt = now
		return setJSON(txn, mfaKey(user), acct)
	})
}

// ReplaceBackupCodes deletes the user's unused codes and stores codes in
// their place. Used codes are kept. If a new code collides with an existing
// one the whole operation fails with ErrExists.
func (s *Store) ReplaceBackupCodes(ctx context.Context, user string, codes []BackupCode, check AccountCheck) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		acct, err := loadMFA(txn, user)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(acct); err != nil {
				return err
			}
		}

		existing, err := scanJSON[BackupCode](txn, prefix("backup", user))
		if err != nil {
			return err
		}
		used := make(map[string]bool)
		for _, c := range existing {
			if c.Used {
				used[c.CodeHash] = true
				continue
			}
			if err := txn.Delete(backupKey(user, c.CodeHash)); err != nil {
				return err
			}
		}

		seen := make(map[string]bool, len(codes))
		for _, c := range codes {
			if used[c.CodeHash] || seen[c.CodeHash] {
				return ErrExists
			}
			seen[c.CodeHash] = true
			c.UserID = user
			if err := setJSON(txn, backupKey(user, c.CodeHash), c); err != nil {
				return err
			}
		}
		return nil
	})
}

// ConsumeBackupCode marks an unused backup code as used. A missing or
// already used code yields ErrNotFound. Lookup and marking are one
// transaction, so a code can be consumed at most once.
func (s *Store) ConsumeBackupCode(ctx context.Context, user, codeHash string, now time.Time) (BackupCode, error) {
	var out BackupCode
	err := s.update(ctx, func(txn *badger.Txn) error {
		var c BackupCode
		if err := getJSON(txn, backupKey(user, codeHash), &c); err != nil {
			return err
		}
		if c.Used {
			return ErrNotFound
		}
		c.Used = true
		c.UsedAt = &now
		out = c
		return setJSON(txn, backupKey(user, codeHash), c)
	})
	return out, err
}

// ListBackupCodes returns all of a user's backup codes
func (s *Store) ListBackupCodes(ctx context.Context, user string) ([]BackupCode, error) {
	var out []BackupCode
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = scanJSON[BackupCode](txn, prefix("backup", user))
		return err
	})
	return out, err
}
