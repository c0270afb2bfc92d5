// Package blobstore keeps file ciphertext in an absfs filesystem. Blobs are
// write-once: a blob is created, streamed into and closed, then only read or
// removed.
package blobstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
)

// ErrInvalidRef is returned for references that were not issued by Create
var ErrInvalidRef = errors.New("invalid ciphertext reference")

var refPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// Filer is the subset of absfs.FileSystem the store needs
type Filer interface {
	OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error)
	Remove(name string) error
	Stat(name string) (os.FileInfo, error)
	MkdirAll(name string, perm os.FileMode) error
}

// Store addresses blobs by an opaque ciphertext reference
type Store struct {
	fs   Filer
	root string
}

// New creates a blob store under root in fs
func New(fs Filer, root string) (*Store, error) {
	if root == "" {
		root = "/blobs"
	}
	root = path.Clean("/" + root)
	if err := fs.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &Store{fs: fs, root: root}, nil
}

// Blob is an open blob being written
type Blob struct {
	Ref  string
	file absfs.File
}

// Write appends ciphertext to the blob
func (b *Blob) Write(p []byte) (int, error) {
	return b.file.Write(p)
}

// Close flushes and closes the blob
func (b *Blob) Close() error {
	if err := b.file.Sync(); err != nil {
		b.file.Close()
		return fmt.Errorf("failed to sync blob: %w", err)
	}
	return b.file.Close()
}

// Create opens a new, empty blob under a fresh reference
func (s *Store) Create() (*Blob, error) {
	ref := uuid.NewString()
	p := s.path(ref)
	if err := s.fs.MkdirAll(path.Dir(p), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	f, err := s.fs.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob: %w", err)
	}
	return &Blob{Ref: ref, file: f}, nil
}

// Reader is an open blob being read. It implements io.ReaderAt.
type Reader struct {
	file absfs.File
	size int64
}

// ReadAt reads from the blob at off
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	return r.file.ReadAt(p, off)
}

// Size returns the blob size in bytes
func (r *Reader) Size() int64 {
	return r.size
}

// Close closes the blob
func (r *Reader) Close() error {
	return r.file.Close()
}

// Open opens an existing blob for reading
func (s *Store) Open(ref string) (*Reader, error) {
	if !refPattern.MatchString(ref) {
		return nil, ErrInvalidRef
	}
	f, err := s.fs.OpenFile(s.path(ref), os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}
	return &Reader{file: f, size: info.Size()}, nil
}

// Remove deletes a blob. Removing a missing blob is not an error.
func (s *Store) Remove(ref string) error {
	if !refPattern.MatchString(ref) {
		return ErrInvalidRef
	}
	if _, err := s.fs.Stat(s.path(ref)); err != nil {
		return nil
	}
	if err := s.fs.Remove(s.path(ref)); err != nil {
		return fmt.Errorf("failed to remove blob: %w", err)
	}
	return nil
}

// Exists reports whether a blob is present
func (s *Store) Exists(ref string) bool {
	if !refPattern.MatchString(ref) {
		return false
	}
	_, err := s.fs.Stat(s.path(ref))
	return err == nil
}

func (s *Store) path(ref string) string {
	// Fan out on the first two characters to keep directories small.
	return path.Join(s.root, ref[:2], ref+".bin")
}

var _ io.ReaderAt = (*Reader)(nil)
