package sharelink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/absfs/sharecrypt"
	"github.com/absfs/sharecrypt/files"
	"github.com/absfs/sharecrypt/logging"
	"github.com/absfs/sharecrypt/store"
)

// Store is the persistence the link service needs
type Store interface {
	ConsumeStore
	GetFile(ctx context.Context, id string) (store.FileRecord, error)
	CreateLink(ctx context.Context, l store.ShareLink, check store.FileCheck) error
	GetLink(ctx context.Context, id string) (store.ShareLink, error)
	ListLinksByCreator(ctx context.Context, creator string) ([]store.ShareLink, error)
	DeleteLink(ctx context.Context, id string, check store.LinkCheck) error
}

// Content decrypts a stored file
type Content interface {
	Decrypt(ctx context.Context, rec store.FileRecord, w io.Writer) (int64, error)
}

// CreateOptions are the optional restrictions on a new link
type CreateOptions struct {
	ExpiresAt      *time.Time
	Password       string
	MaxAccessCount *int
}

// Validate checks the options against now
func (o CreateOptions) Validate(now time.Time) error {
	if o.ExpiresAt != nil && !o.ExpiresAt.After(now) {
		return sharecrypt.NewValidationError("expires_at", o.ExpiresAt.Format(time.RFC3339), "expiry must be in the future")
	}
	if o.MaxAccessCount != nil && *o.MaxAccessCount < 1 {
		return sharecrypt.NewValidationError("max_access_count", *o.MaxAccessCount, "must be at least 1")
	}
	return nil
}

// AccessRequest is a public request to open a link
type AccessRequest struct {
	LinkID   string
	Password string
}

// Validate checks the request shape
func (r AccessRequest) Validate() error {
	if _, err := uuid.Parse(r.LinkID); err != nil {
		return sharecrypt.NewValidationError("link_id", r.LinkID, "not a link id")
	}
	return nil
}

// Service manages share links and serves public access through them
type Service struct {
	store     Store
	content   Content
	validator *Validator
	log       *logrus.Logger
	now       func() time.Time
}

// NewService builds a link service
func NewService(st Store, content Content, log *logrus.Logger, now func() time.Time) (*Service, error) {
	if st == nil || content == nil {
		return nil, errors.New("sharelink: store and content are required")
	}
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:     st,
		content:   content,
		validator: NewValidator(st, now),
		log:       logging.OrDefault(log),
		now:       now,
	}, nil
}

// Create makes a link to a file the creator owns
func (s *Service) Create(ctx context.Context, creator, fileID string, opts CreateOptions) (store.ShareLink, error) {
	now := s.now().UTC()
	if err := opts.Validate(now); err != nil {
		return store.ShareLink{}, err
	}

	l := store.ShareLink{
		ID:             uuid.NewString(),
		FileID:         fileID,
		CreatedBy:      creator,
		ExpiresAt:      opts.ExpiresAt,
		MaxAccessCount: opts.MaxAccessCount,
		CreatedAt:      now,
	}
	if opts.Password != "" {
		hash, err := HashPassword(opts.Password)
		if err != nil {
			return store.ShareLink{}, err
		}
		l.PasswordHash = hash
	}

	err := s.store.CreateLink(ctx, l, func(rec store.FileRecord) error {
		if creator == "" || rec.OwnerID != creator {
			return files.ErrForbidden
		}
		return nil
	})
	if err != nil {
		return store.ShareLink{}, err
	}

	s.log.WithFields(logrus.Fields{
		"link":      l.ID,
		"file":      fileID,
		"protected": l.PasswordHash != "",
	}).Info("share link created")
	return l, nil
}

// List returns the links a user created
func (s *Service) List(ctx context.Context, creator string) ([]store.ShareLink, error) {
	return s.store.ListLinksByCreator(ctx, creator)
}

// Delete removes a link. Only its creator may.
func (s *Service) Delete(ctx context.Context, caller, id string) error {
	err := s.store.DeleteLink(ctx, id, func(l store.ShareLink) error {
		if l.CreatedBy != caller {
			return files.ErrForbidden
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrLinkNotFound
	}
	return err
}

// Authorize runs every check for a public access and, if they pass,
// consumes one access. The file record it returns is ready to decrypt.
// Checks run cheapest first; a wrong password never uses up an access.
func (s *Service) Authorize(ctx context.Context, req AccessRequest) (store.FileRecord, error) {
	if err := req.Validate(); err != nil {
		return store.FileRecord{}, ErrLinkNotFound
	}

	link, err := s.store.GetLink(ctx, req.LinkID)
	if errors.Is(err, store.ErrNotFound) {
		return store.FileRecord{}, ErrLinkNotFound
	}
	if err != nil {
		return store.FileRecord{}, err
	}

	if err := linkState(link, s.now()); err != nil {
		return store.FileRecord{}, err
	}
	if !CheckPassword(link, req.Password) {
		s.log.WithField("link", link.ID).Warn("share link password rejected")
		return store.FileRecord{}, ErrInvalidPassword
	}

	link, err = s.validator.ConsumeAccess(ctx, req.LinkID)
	if err != nil {
		return store.FileRecord{}, err
	}

	rec, err := s.store.GetFile(ctx, link.FileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.FileRecord{}, ErrLinkNotFound
		}
		return store.FileRecord{}, fmt.Errorf("failed to load linked file: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"link":  link.ID,
		"count": link.AccessCount,
	}).Info("share link accessed")
	return rec, nil
}

// Open authorises req and streams the decrypted file to w. It returns the
// record so callers know the original name and MIME type.
func (s *Service) Open(ctx context.Context, req AccessRequest, w io.Writer) (store.FileRecord, error) {
	rec, err := s.Authorize(ctx, req)
	if err != nil {
		return store.FileRecord{}, err
	}
	if _, err := s.content.Decrypt(ctx, rec, w); err != nil {
		return store.FileRecord{}, err
	}
	return rec, nil
}
