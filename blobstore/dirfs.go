package blobstore

import (
	"os"
	"path/filepath"

	"github.com/absfs/absfs"
)

// DirFS is a Filer rooted at a directory on the local disk, the on-disk
// counterpart of the memfs used in tests. Names are slash-separated and
// always resolved inside the root.
type DirFS struct {
	root string
}

// NewDirFS returns a DirFS rooted at root, creating it if needed
func NewDirFS(root string) (*DirFS, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	return &DirFS{root: root}, nil
}

func (fs *DirFS) native(name string) string {
	// Clean against "/" first so ".." cannot escape the root.
	return filepath.Join(fs.root, filepath.FromSlash(filepath.ToSlash(filepath.Clean("/"+name))))
}

func (fs *DirFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	return os.OpenFile(fs.native(name), flag, perm)
}

func (fs *DirFS) Remove(name string) error {
	return os.Remove(fs.native(name))
}

func (fs *DirFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(fs.native(name))
}

func (fs *DirFS) MkdirAll(name string, perm os.FileMode) error {
	return os.MkdirAll(fs.native(name), perm)
}

var _ Filer = (*DirFS)(nil)
