package store

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	file/<id>                   FileRecord
//	owner/<owner>/<id>          index
//	grant/<file>/<grantee>      ShareGrant
//	granted/<grantee>/<file>    index
func fileKey(id string) []byte { return key("file", id) }
func ownerKey(owner, id string) []byte { return key("owner", owner, id) }
func grantKey(fileID, grantee string) []byte { return key("grant", fileID, grantee) }
func grantedKey(grantee, fileID string) []byte { return key("granted", grantee, fileID) }

// FileCheck inspects a file inside a transaction; a non-nil error aborts it
type FileCheck func(FileRecord) error

// CreateFile stores a new file record
func (s *Store) CreateFile(ctx context.Context, rec FileRecord) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		ok, err := exists(txn, fileKey(rec.ID))
		if err != nil {
			return err
		}
		if ok {
			return ErrExists
		}
		if err := setJSON(txn, fileKey(rec.ID), rec); err != nil {
			return err
		}
		return txn.Set(ownerKey(rec.OwnerID, rec.ID), nil)
	})
}

// GetFile loads a file record
func (s *Store) GetFile(ctx context.Context, id string) (FileRecord, error) {
	var rec FileRecord
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, fileKey(id), &rec)
	})
	return rec, err
}

// UpdateFile applies fn to a file record atomically. The ID and owner cannot
// be changed.
func (s *Store) UpdateFile(ctx context.Context, id string, fn func(*FileRecord) error) (FileRecord, error) {
	var out FileRecord
	err := s.update(ctx, func(txn *badger.Txn) error {
		var rec FileRecord
		if err := getJSON(txn, fileKey(id), &rec); err != nil {
			return err
		}
		owner := rec.OwnerID
		if err := fn(&rec); err != nil {
			return err
		}
		rec.ID, rec.OwnerID = id, owner
		out = rec
		return setJSON(txn, fileKey(id), rec)
	})
	return out, err
}

// DeleteFile removes a file record together with its grants and links, and
// returns the deleted record so the caller can drop the ciphertext.
func (s *Store) DeleteFile(ctx context.Context, id string, check FileCheck) (FileRecord, error) {
	var out FileRecord
	err := s.update(ctx, func(txn *badger.Txn) error {
		var rec FileRecord
		if err := getJSON(txn, fileKey(id), &rec); err != nil {
			return err
		}
		if check != nil {
			if err := check(rec); err != nil {
				return err
			}
		}

		for _, k := range keysWithPrefix(txn, prefix("grant", id)) {
			grantee := lastSegment(k)
			if err := txn.Delete(k); err != nil {
				return err
			}
			if err := txn.Delete(grantedKey(grantee, id)); err != nil {
				return err
			}
		}
		for _, k := range keysWithPrefix(txn, prefix("linkfile", id)) {
			if err := deleteLinkTxn(txn, lastSegment(k)); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		if err := txn.Delete(ownerKey(rec.OwnerID, id)); err != nil {
			return err
		}
		out = rec
		return txn.Delete(fileKey(id))
	})
	return out, err
}

// ListOwnedFiles returns the files owned by owner
func (s *Store) ListOwnedFiles(ctx context.Context, owner string) ([]FileRecord, error) {
	return s.listIndexedFiles(ctx, prefix("owner", owner))
}

// ListSharedFiles returns the files shared with grantee
func (s *Store) ListSharedFiles(ctx context.Context, grantee string) ([]FileRecord, error) {
	return s.listIndexedFiles(ctx, prefix("granted", grantee))
}

// ListFileIDs returns the id of every stored file
func (s *Store) ListFileIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.view(ctx, func(txn *badger.Txn) error {
		for _, k := range keysWithPrefix(txn, prefix("file")) {
			ids = append(ids, lastSegment(k))
		}
		return nil
	})
	return ids, err
}

func (s *Store) listIndexedFiles(ctx context.Context, p []byte) ([]FileRecord, error) {
	var out []FileRecord
	err := s.view(ctx, func(txn *badger.Txn) error {
		for _, k := range keysWithPrefix(txn, p) {
			var rec FileRecord
			err := getJSON(txn, fileKey(lastSegment(k)), &rec)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// PutGrant creates a share grant. check runs against the file inside the
// same transaction. A second grant for the same pair fails with ErrExists.
func (s *Store) PutGrant(ctx context.Context, g ShareGrant, check FileCheck) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var rec FileRecord
		if err := getJSON(txn, fileKey(g.FileID), &rec); err != nil {
			return err
		}
		if check != nil {
			if err := check(rec); err != nil {
				return err
			}
		}
		ok, err := exists(txn, grantKey(g.FileID, g.GranteeID))
		if err != nil {
			return err
		}
		if ok {
			return ErrExists
		}
		if err := setJSON(txn, grantKey(g.FileID, g.GranteeID), g); err != nil {
			return err
		}
		return txn.Set(grantedKey(g.GranteeID, g.FileID), nil)
	})
}

// GetGrant loads the grant for (fileID, grantee)
func (s *Store) GetGrant(ctx context.Context, fileID, grantee string) (ShareGrant, error) {
	var g ShareGrant
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, grantKey(fileID, grantee), &g)
	})
	return g, err
}

// DeleteGrant revokes a share grant
func (s *Store) DeleteGrant(ctx context.Context, fileID, grantee string, check FileCheck) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var rec FileRecord
		if err := getJSON(txn, fileKey(fileID), &rec); err != nil {
			return err
		}
		if check != nil {
			if err := check(rec); err != nil {
				return err
			}
		}
		ok, err := exists(txn, grantKey(fileID, grantee))
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if err := txn.Delete(grantKey(fileID, grantee)); err != nil {
			return err
		}
		return txn.Delete(grantedKey(grantee, fileID))
	})
}

// ListGrants returns every grant on a file
func (s *Store) ListGrants(ctx context.Context, fileID string) ([]ShareGrant, error) {
	var out []ShareGrant
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = scanJSON[ShareGrant](txn, prefix("grant", fileID))
		return err
	})
	return out, err
}
