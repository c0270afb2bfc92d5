package store

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	link/<id>                   ShareLink
//	linkby/<creator>/<id>       index
//	linkfile/<file>/<id>        index
func linkKey(id string) []byte { return key("link", id) }
func linkByKey(creator, id string) []byte { return key("linkby", creator, id) }
func linkFileKey(fileID, linkID string) []byte { return key("linkfile", fileID, linkID) }

// LinkCheck inspects a link inside a transaction; a non-nil error aborts it
type LinkCheck func(ShareLink) error

// CreateLink stores a new share link for an existing file. check runs
// against the file in the same transaction.
func (s *Store) CreateLink(ctx context.Context, l ShareLink, check FileCheck) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var rec FileRecord
		if err := getJSON(txn, fileKey(l.FileID), &rec); err != nil {
			return err
		}
		if check != nil {
			if err := check(rec); err != nil {
				return err
			}
		}
		ok, err := exists(txn, linkKey(l.ID))
		if err != nil {
			return err
		}
		if ok {
			return ErrExists
		}
		if err := setJSON(txn, linkKey(l.ID), l); err != nil {
			return err
		}
		if err := txn.Set(linkByKey(l.CreatedBy, l.ID), nil); err != nil {
			return err
		}
		return txn.Set(linkFileKey(l.FileID, l.ID), nil)
	})
}

// GetLink loads a share link
func (s *Store) GetLink(ctx context.Context, id string) (ShareLink, error) {
	var l ShareLink
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, linkKey(id), &l)
	})
	return l, err
}

// ListLinksByCreator returns the links created by a user
func (s *Store) ListLinksByCreator(ctx context.Context, creator string) ([]ShareLink, error) {
	var out []ShareLink
	err := s.view(ctx, func(txn *badger.Txn) error {
		for _, k := range keysWithPrefix(txn, prefix("linkby", creator)) {
			var l ShareLink
			if err := getJSON(txn, linkKey(lastSegment(k)), &l); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			out = append(out, l)
		}
		return nil
	})
	return out, err
}

// DeleteLink removes a share link after check approves it
func (s *Store) DeleteLink(ctx context.Context, id string, check LinkCheck) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if check != nil {
			var l ShareLink
			if err := getJSON(txn, linkKey(id), &l); err != nil {
				return err
			}
			if err := check(l); err != nil {
				return err
			}
		}
		return deleteLinkTxn(txn, id)
	})
}

func deleteLinkTxn(txn *badger.Txn, id string) error {
	var l ShareLink
	if err := getJSON(txn, linkKey(id), &l); err != nil {
		return err
	}
	if err := txn.Delete(linkByKey(l.CreatedBy, id)); err != nil {
		return err
	}
	if err := txn.Delete(linkFileKey(l.FileID, id)); err != nil {
		return err
	}
	return txn.Delete(linkKey(id))
}

// ConsumeLinkAccess runs check against the current link state and, if it
// passes, increments the access count by one. Both happen in one
// transaction: concurrent callers racing for the last slot are serialized
// and the losers see the updated count in check.
func (s *Store) ConsumeLinkAccess(ctx context.Context, id string, check LinkCheck) (ShareLink, error) {
	var out ShareLink
	err := s.update(ctx, func(txn *badger.Txn) error {
		var l ShareLink
		if err := getJSON(txn, linkKey(id), &l); err != nil {
			return err
		}
		if err := check(l); err != nil {
			return err
		}
		l.AccessCount++
		out = l
		return setJSON(txn, linkKey(id), l)
	})
	return out, err
}
