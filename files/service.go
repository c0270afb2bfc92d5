// Package files runs the envelope flow for stored files: fresh key per
// upload, ciphertext in the blob store, wrapped key in the record store,
// and owner or grant checks on every access.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/absfs/sharecrypt"
	"github.com/absfs/sharecrypt/blobstore"
	"github.com/absfs/sharecrypt/logging"
	"github.com/absfs/sharecrypt/store"
)

var (
	// ErrForbidden is returned when the caller may not touch a file
	ErrForbidden = errors.New("forbidden")
	// ErrTooLarge is returned when an upload exceeds the size limit
	ErrTooLarge = errors.New("file too large")
	// ErrSelfShare is returned when an owner shares a file with themselves
	ErrSelfShare = errors.New("cannot share a file with its owner")
)

const maxNameLength = 255

// Store is the record persistence the file service needs
type Store interface {
	CreateFile(ctx context.Context, rec store.FileRecord) error
	GetFile(ctx context.Context, id string) (store.FileRecord, error)
	UpdateFile(ctx context.Context, id string, fn func(*store.FileRecord) error) (store.FileRecord, error)
	DeleteFile(ctx context.Context, id string, check store.FileCheck) (store.FileRecord, error)
	ListOwnedFiles(ctx context.Context, owner string) ([]store.FileRecord, error)
	ListSharedFiles(ctx context.Context, grantee string) ([]store.FileRecord, error)
	PutGrant(ctx context.Context, g store.ShareGrant, check store.FileCheck) error
	GetGrant(ctx context.Context, fileID, grantee string) (store.ShareGrant, error)
	DeleteGrant(ctx context.Context, fileID, grantee string, check store.FileCheck) error
	ListGrants(ctx context.Context, fileID string) ([]store.ShareGrant, error)
	ListFileIDs(ctx context.Context) ([]string, error)
}

// Options configures a Service
type Options struct {
	MaxUploadBytes int64 // 0 means unlimited
	Logger         *logrus.Logger
	Now            func() time.Time
}

// Service stores, retrieves and shares encrypted files
type Service struct {
	store     Store
	blobs     *blobstore.Store
	km        *sharecrypt.KeyManager
	cipher    *sharecrypt.FileCipher
	maxUpload int64
	log       *logrus.Logger
	now       func() time.Time
}

// NewService builds a file service. km is the only holder of the master key.
func NewService(st Store, blobs *blobstore.Store, km *sharecrypt.KeyManager, fc *sharecrypt.FileCipher, opts Options) (*Service, error) {
	if st == nil || blobs == nil || km == nil || fc == nil {
		return nil, errors.New("files: store, blob store, key manager and cipher are required")
	}
	if opts.MaxUploadBytes < 0 {
		return nil, sharecrypt.NewValidationError("max_upload_bytes", opts.MaxUploadBytes, "cannot be negative")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:     st,
		blobs:     blobs,
		km:        km,
		cipher:    fc,
		maxUpload: opts.MaxUploadBytes,
		log:       logging.OrDefault(opts.Logger),
		now:       opts.Now,
	}, nil
}

// UploadRequest is a validated upload
type UploadRequest struct {
	Name     string
	MIMEType string
	Body     io.Reader
}

// Validate checks the request fields
func (r UploadRequest) Validate() error {
	if err := ValidateName(r.Name); err != nil {
		return err
	}
	if r.Body == nil {
		return sharecrypt.NewValidationError("body", nil, "body is required")
	}
	return nil
}

// ValidateName checks a display name
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return sharecrypt.NewValidationError("name", name, "name is required")
	case len(name) > maxNameLength:
		return sharecrypt.NewValidationError("name", len(name), fmt.Sprintf("name longer than %d bytes", maxNameLength))
	case strings.ContainsAny(name, "/\\\x00"):
		return sharecrypt.NewValidationError("name", name, "name cannot contain path separators")
	}
	return nil
}

// Upload encrypts req.Body under a fresh file key while streaming it into
// the blob store, wraps the key and stores the record. Nothing is left
// behind on failure.
func (s *Service) Upload(ctx context.Context, owner string, req UploadRequest) (rec store.FileRecord, err error) {
	if owner == "" {
		return store.FileRecord{}, sharecrypt.NewValidationError("owner", owner, "owner is required")
	}
	if err := req.Validate(); err != nil {
		return store.FileRecord{}, err
	}
	if req.MIMEType == "" {
		req.MIMEType = "application/octet-stream"
	}

	key, iv, err := sharecrypt.NewFileKey()
	if err != nil {
		return store.FileRecord{}, err
	}
	defer memguard.WipeBytes(key)

	blob, err := s.blobs.Create()
	if err != nil {
		return store.FileRecord{}, err
	}
	defer func() {
		if err != nil {
			if rmErr := s.blobs.Remove(blob.Ref); rmErr != nil {
				s.log.WithError(rmErr).WithField("ref", blob.Ref).Warn("failed to remove orphaned blob")
			}
		}
	}()

	src := req.Body
	if s.maxUpload > 0 {
		src = &limitedReader{r: src, n: s.maxUpload}
	}
	size, err := s.cipher.EncryptStream(blob, src, key, iv)
	if cerr := blob.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return store.FileRecord{}, err
	}

	wrapped, err := s.km.WrapKey(key)
	if err != nil {
		return store.FileRecord{}, err
	}

	now := s.now().UTC()
	rec = store.FileRecord{
		ID:            uuid.NewString(),
		OwnerID:       owner,
		Name:          req.Name,
		MIMEType:      req.MIMEType,
		Size:          size,
		CiphertextRef: blob.Ref,
		WrappedKey:    wrapped,
		ContentIV:     iv,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err = s.store.CreateFile(ctx, rec); err != nil {
		return store.FileRecord{}, err
	}

	s.log.WithFields(logrus.Fields{"file": rec.ID, "owner": owner, "size": size}).Info("file uploaded")
	return rec, nil
}

// Get returns a file record the caller may read
func (s *Service) Get(ctx context.Context, caller, id string) (store.FileRecord, error) {
	rec, err := s.store.GetFile(ctx, id)
	if err != nil {
		return store.FileRecord{}, err
	}
	ok, err := s.CanRead(ctx, caller, rec)
	if err != nil {
		return store.FileRecord{}, err
	}
	if !ok {
		return store.FileRecord{}, ErrForbidden
	}
	return rec, nil
}

// Download writes the decrypted content of a file the caller may read
func (s *Service) Download(ctx context.Context, caller, id string, w io.Writer) (store.FileRecord, error) {
	rec, err := s.Get(ctx, caller, id)
	if err != nil {
		return store.FileRecord{}, err
	}
	if _, err := s.Decrypt(ctx, rec, w); err != nil {
		return store.FileRecord{}, err
	}
	return rec, nil
}

// Decrypt unwraps the record's key and streams the plaintext to w. It does
// no permission checks; callers authorise first.
func (s *Service) Decrypt(ctx context.Context, rec store.FileRecord, w io.Writer) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	key, err := s.km.UnwrapKey(rec.WrappedKey)
	if err != nil {
		s.log.WithField("file", rec.ID).Error("file key could not be unwrapped")
		return 0, err
	}
	defer memguard.WipeBytes(key)

	r, err := s.blobs.Open(rec.CiphertextRef)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	n, err := s.cipher.DecryptStream(w, r, r.Size(), key, rec.ContentIV)
	if err != nil {
		s.log.WithField("file", rec.ID).WithError(err).Error("file content could not be decrypted")
		return n, err
	}
	return n, nil
}

// Delete removes a file, its grants, its links and its ciphertext. Only the
// owner may delete.
func (s *Service) Delete(ctx context.Context, caller, id string) error {
	rec, err := s.store.DeleteFile(ctx, id, ownerOnly(caller))
	if err != nil {
		return err
	}
	if err := s.blobs.Remove(rec.CiphertextRef); err != nil {
		s.log.WithError(err).WithField("ref", rec.CiphertextRef).Warn("failed to remove blob")
	}
	s.log.WithFields(logrus.Fields{"file": id, "owner": caller}).Info("file deleted")
	return nil
}

// Rename changes the display name. The owner and grantees with write
// access may rename.
func (s *Service) Rename(ctx context.Context, caller, id, name string) (store.FileRecord, error) {
	if err := ValidateName(name); err != nil {
		return store.FileRecord{}, err
	}
	rec, err := s.store.GetFile(ctx, id)
	if err != nil {
		return store.FileRecord{}, err
	}
	ok, err := s.CanWrite(ctx, caller, rec)
	if err != nil {
		return store.FileRecord{}, err
	}
	if !ok {
		return store.FileRecord{}, ErrForbidden
	}
	return s.store.UpdateFile(ctx, id, func(r *store.FileRecord) error {
		r.Name = name
		r.UpdatedAt = s.now().UTC()
		return nil
	})
}

// Share grants another user access to a file the caller owns
func (s *Service) Share(ctx context.Context, caller, fileID, grantee string, canWrite bool) (store.ShareGrant, error) {
	if grantee == "" {
		return store.ShareGrant{}, sharecrypt.NewValidationError("grantee_id", grantee, "grantee is required")
	}
	if grantee == caller {
		return store.ShareGrant{}, ErrSelfShare
	}
	g := store.ShareGrant{
		FileID:    fileID,
		GranteeID: grantee,
		CanWrite:  canWrite,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.PutGrant(ctx, g, ownerOnly(caller)); err != nil {
		return store.ShareGrant{}, err
	}
	s.log.WithFields(logrus.Fields{"file": fileID, "grantee": grantee, "write": canWrite}).Info("file shared")
	return g, nil
}

// Unshare revokes a grant on a file the caller owns
func (s *Service) Unshare(ctx context.Context, caller, fileID, grantee string) error {
	return s.store.DeleteGrant(ctx, fileID, grantee, ownerOnly(caller))
}

// Grants lists the grants on a file the caller owns
func (s *Service) Grants(ctx context.Context, caller, fileID string) ([]store.ShareGrant, error) {
	rec, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != caller {
		return nil, ErrForbidden
	}
	return s.store.ListGrants(ctx, fileID)
}

// Listing is what a user can see
type Listing struct {
	Owned  []store.FileRecord
	Shared []store.FileRecord
}

// List returns the caller's own files and the files shared with them
func (s *Service) List(ctx context.Context, caller string) (Listing, error) {
	owned, err := s.store.ListOwnedFiles(ctx, caller)
	if err != nil {
		return Listing{}, err
	}
	shared, err := s.store.ListSharedFiles(ctx, caller)
	if err != nil {
		return Listing{}, err
	}
	return Listing{Owned: owned, Shared: shared}, nil
}

// CanRead reports whether user owns rec or holds any grant on it
func (s *Service) CanRead(ctx context.Context, user string, rec store.FileRecord) (bool, error) {
	if user != "" && rec.OwnerID == user {
		return true, nil
	}
	_, err := s.store.GetGrant(ctx, rec.ID, user)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// CanWrite reports whether user owns rec or holds a write grant on it
func (s *Service) CanWrite(ctx context.Context, user string, rec store.FileRecord) (bool, error) {
	if user != "" && rec.OwnerID == user {
		return true, nil
	}
	g, err := s.store.GetGrant(ctx, rec.ID, user)
	switch {
	case err == nil:
		return g.CanWrite, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func ownerOnly(caller string) store.FileCheck {
	return func(rec store.FileRecord) error {
		if caller == "" || rec.OwnerID != caller {
			return ErrForbidden
		}
		return nil
	}
}

// limitedReader fails with ErrTooLarge instead of truncating
type limitedReader struct {
	r io.Reader
	n int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if int64(len(p)) > l.n+1 {
		p = p[:l.n+1]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	if l.n < 0 {
		return 0, ErrTooLarge
	}
	return n, err
}
