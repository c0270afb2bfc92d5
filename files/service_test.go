package files

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/absfs/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absfs/sharecrypt"
	"github.com/absfs/sharecrypt/blobstore"
	"github.com/absfs/sharecrypt/logging"
	"github.com/absfs/sharecrypt/store"
)

type fixture struct {
	svc   *Service
	store *store.Store
	blobs *blobstore.Store
	km    *sharecrypt.KeyManager
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := store.Open(store.Options{InMemory: true, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fs, err := memfs.NewFS()
	require.NoError(t, err)
	blobs, err := blobstore.New(fs, "/blobs")
	require.NoError(t, err)

	master, err := sharecrypt.GenerateMasterKey()
	require.NoError(t, err)
	km, err := sharecrypt.NewKeyManager(master, sharecrypt.CipherAES256GCM)
	require.NoError(t, err)
	fc, err := sharecrypt.NewFileCipher(64)
	require.NoError(t, err)

	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	svc, err := NewService(st, blobs, km, fc, opts)
	require.NoError(t, err)
	return &fixture{svc: svc, store: st, blobs: blobs, km: km}
}

func (f *fixture) upload(t *testing.T, owner, name string, data []byte) store.FileRecord {
	t.Helper()
	rec, err := f.svc.Upload(context.Background(), owner, UploadRequest{
		Name:     name,
		MIMEType: "text/plain",
		Body:     bytes.NewReader(data),
	})
	require.NoError(t, err)
	return rec
}

func TestUploadDownload(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	data := bytes.Repeat([]byte("secret report "), 500)

	rec := f.upload(t, "alice", "report.txt", data)
	assert.Equal(t, "alice", rec.OwnerID)
	assert.Equal(t, int64(len(data)), rec.Size)
	assert.Len(t, rec.ContentIV, sharecrypt.IVSize)
	assert.True(t, f.blobs.Exists(rec.CiphertextRef))

	r, err := f.blobs.Open(rec.CiphertextRef)
	require.NoError(t, err)
	assert.Equal(t, sharecrypt.CiphertextSize(rec.Size), r.Size())
	assert.Zero(t, (r.Size()-sharecrypt.TagSize)%sharecrypt.BlockSize)
	require.NoError(t, r.Close())

	var out bytes.Buffer
	got, err := f.svc.Download(ctx, "alice", rec.ID, &out)
	require.NoError(t, err)
	assert.Equal(t, "report.txt", got.Name)
	assert.Equal(t, data, out.Bytes())
}

func TestUploadEmptyFile(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.upload(t, "alice", "empty", nil)
	assert.Zero(t, rec.Size)

	var out bytes.Buffer
	_, err := f.svc.Download(context.Background(), "alice", rec.ID, &out)
	require.NoError(t, err)
	assert.Empty(t, out.Bytes())
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	cases := []UploadRequest{
		{Name: "", Body: strings.NewReader("x")},
		{Name: "a/b", Body: strings.NewReader("x")},
		{Name: strings.Repeat("n", 300), Body: strings.NewReader("x")},
		{Name: "ok"},
	}
	for _, req := range cases {
		_, err := f.svc.Upload(ctx, "alice", req)
		assert.True(t, sharecrypt.IsValidationError(err), req.Name)
	}
	_, err := f.svc.Upload(ctx, "", UploadRequest{Name: "x", Body: strings.NewReader("x")})
	assert.True(t, sharecrypt.IsValidationError(err))
}

func TestUploadTooLargeLeavesNothing(t *testing.T) {
	f := newFixture(t, Options{MaxUploadBytes: 100})
	ctx := context.Background()

	_, err := f.svc.Upload(ctx, "alice", UploadRequest{Name: "big", Body: bytes.NewReader(make([]byte, 101))})
	assert.ErrorIs(t, err, ErrTooLarge)

	listing, err := f.svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, listing.Owned)

	rec := f.upload(t, "alice", "fits", make([]byte, 100))
	assert.Equal(t, int64(100), rec.Size)
}

func TestPermissions(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	rec := f.upload(t, "alice", "plan.txt", []byte("plan"))

	var out bytes.Buffer
	_, err := f.svc.Download(ctx, "bob", rec.ID, &out)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, out.Bytes())

	_, err = f.svc.Share(ctx, "bob", rec.ID, "carol", false)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Share(ctx, "alice", rec.ID, "alice", false)
	assert.ErrorIs(t, err, ErrSelfShare)

	_, err = f.svc.Share(ctx, "alice", rec.ID, "bob", false)
	require.NoError(t, err)
	_, err = f.svc.Share(ctx, "alice", rec.ID, "bob", true)
	assert.ErrorIs(t, err, store.ErrExists)

	_, err = f.svc.Download(ctx, "bob", rec.ID, &out)
	require.NoError(t, err)
	assert.Equal(t, "plan", out.String())

	_, err = f.svc.Rename(ctx, "bob", rec.ID, "mine.txt")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.ErrorIs(t, f.svc.Delete(ctx, "bob", rec.ID), ErrForbidden)

	_, err = f.svc.Share(ctx, "alice", rec.ID, "carol", true)
	require.NoError(t, err)
	renamed, err := f.svc.Rename(ctx, "carol", rec.ID, "final.txt")
	require.NoError(t, err)
	assert.Equal(t, "final.txt", renamed.Name)
	assert.Equal(t, "alice", renamed.OwnerID)

	grants, err := f.svc.Grants(ctx, "alice", rec.ID)
	require.NoError(t, err)
	assert.Len(t, grants, 2)
	_, err = f.svc.Grants(ctx, "bob", rec.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	listing, err := f.svc.List(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, listing.Owned)
	require.Len(t, listing.Shared, 1)
	assert.Equal(t, rec.ID, listing.Shared[0].ID)

	require.NoError(t, f.svc.Unshare(ctx, "alice", rec.ID, "bob"))
	_, err = f.svc.Download(ctx, "bob", rec.ID, &out)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDeleteRemovesBlob(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	rec := f.upload(t, "alice", "gone.txt", []byte("bye"))

	require.NoError(t, f.svc.Delete(ctx, "alice", rec.ID))
	assert.False(t, f.blobs.Exists(rec.CiphertextRef))

	_, err := f.svc.Get(ctx, "alice", rec.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, "alice", rec.ID), store.ErrNotFound)
}

func TestTamperedFileFails(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	rec := f.upload(t, "alice", "x.bin", bytes.Repeat([]byte{7}, 200))

	_, err := f.store.UpdateFile(ctx, rec.ID, func(r *store.FileRecord) error {
		r.WrappedKey[len(r.WrappedKey)-1] ^= 1
		return nil
	})
	require.NoError(t, err)

	var out bytes.Buffer
	_, err = f.svc.Download(ctx, "alice", rec.ID, &out)
	assert.True(t, sharecrypt.IsKeyUnwrapError(err))
	assert.Empty(t, out.Bytes())
}

func TestCanReadCanWrite(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	rec := f.upload(t, "alice", "a.txt", []byte("a"))
	_, err := f.svc.Share(ctx, "alice", rec.ID, "reader", false)
	require.NoError(t, err)

	for _, tc := range []struct {
		user        string
		read, write bool
	}{
		{"alice", true, true},
		{"reader", true, false},
		{"stranger", false, false},
		{"", false, false},
	} {
		r, err := f.svc.CanRead(ctx, tc.user, rec)
		require.NoError(t, err)
		w, err := f.svc.CanWrite(ctx, tc.user, rec)
		require.NoError(t, err)
		assert.Equal(t, tc.read, r, tc.user)
		assert.Equal(t, tc.write, w, tc.user)
	}
}
