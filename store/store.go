// Package store persists file records, share grants, share links, MFA state
// and rate-limit windows in badger. Every check-then-mutate operation runs
// inside a single badger transaction and is retried when badger reports a
// write conflict, so concurrent callers always observe each other's effects.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/absfs/sharecrypt/logging"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned when creating a record that already exists
	ErrExists = errors.New("record already exists")
	// ErrTooManyConflicts is returned when a transaction kept conflicting
	ErrTooManyConflicts = errors.New("too many transaction conflicts")
)

// Options configures Open
type Options struct {
	Dir          string         // badger directory, ignored when InMemory
	InMemory     bool           // keep everything in memory (tests)
	SyncWrites   bool           // fsync every commit
	MinFreeBytes uint64         // refuse to open when the disk has less free space
	MaxRetries   int            // conflict retries per operation (default 64)
	Logger       *logrus.Logger // nil means logrus.New()
}

// Store is the badger-backed record store. It is safe for concurrent use.
type Store struct {
	db         *badger.DB
	log        *logrus.Logger
	maxRetries int
	inMemory   bool
}

// Open opens (or creates) the store
func Open(opts Options) (*Store, error) {
	log := logging.OrDefault(opts.Logger)
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 64
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("store directory cannot be empty")
		}
		if err := checkDiskSpace(log, opts.Dir, opts.MinFreeBytes); err != nil {
			return nil, err
		}
		bopts = badger.DefaultOptions(opts.Dir).WithSyncWrites(opts.SyncWrites)
	}
	bopts = bopts.WithLogger(badgerLogger{log.WithField("component", "badger")})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Store{
		db:         db,
		log:        log,
		maxRetries: opts.MaxRetries,
		inMemory:   opts.InMemory,
	}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC reclaims value log space every interval until ctx is done
func (s *Store) RunGC(ctx context.Context, interval time.Duration) {
	if s.inMemory {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(0.5)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.log.WithError(err).Warn("value log GC failed")
					}
					break
				}
			}
		}
	}
}

// update runs fn in a read-write transaction, retrying on conflict. fn may
// run several times and must not leak state between attempts.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if attempt >= s.maxRetries {
			s.log.WithField("attempts", attempt+1).Warn("giving up after repeated transaction conflicts")
			return ErrTooManyConflicts
		}

		backoff := time.Duration(rand.IntN(1<<min(attempt, 8))+1) * 50 * time.Microsecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

// key joins escaped parts with '/', so ids may contain any character
func key(parts ...string) []byte {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return []byte(strings.Join(escaped, "/"))
}

// prefix is key with a trailing separator, for iteration
func prefix(parts ...string) []byte {
	return append(key(parts...), '/')
}

func getJSON(txn *badger.Txn, k []byte, v any) error {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return txn.Set(k, data)
}

func exists(txn *badger.Txn, k []byte) (bool, error) {
	_, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// keysWithPrefix returns every key under p
func keysWithPrefix(txn *badger.Txn, p []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = p
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// lastSegment returns the unescaped final part of a key
func lastSegment(k []byte) string {
	s := string(k)
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}
	if u, err := url.PathUnescape(s); err == nil {
		return u
	}
	return s
}

// scanJSON decodes every value under p into a new T
func scanJSON[T any](txn *badger.Txn, p []byte) ([]T, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = p
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []T
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		var v T
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// badgerLogger adapts a logrus entry to badger's Logger, demoting badger's
// chatty info output to debug
type badgerLogger struct {
	*logrus.Entry
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.Entry.Debugf(format, args...)
}
