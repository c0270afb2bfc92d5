package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/absfs/sharecrypt"
	"github.com/absfs/sharecrypt/files"
	"github.com/absfs/sharecrypt/sharelink"
	"github.com/absfs/sharecrypt/store"
)

const maxJSONBytes = 16 * 1024

// decodeJSON reads exactly one JSON value into v. An empty body leaves v
// untouched when optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		badRequest(w, mapDecodeError(err))
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		badRequest(w, "invalid json")
		return false
	}
	return true
}

type codeRequest struct {
	Code string `json:"code"`
}

func (r codeRequest) Validate() error {
	if strings.TrimSpace(r.Code) == "" {
		return sharecrypt.NewValidationError("code", "", "code is required")
	}
	return nil
}

type verifyRequest struct {
	UserID string `json:"user_id"`
	Code   string `json:"code"`
}

func (r verifyRequest) Validate() error {
	if r.UserID == "" {
		return sharecrypt.NewValidationError("user_id", "", "user id is required")
	}
	return codeRequest{Code: r.Code}.Validate()
}

type backupCodesRequest struct {
	Count int `json:"count"`
}

func (r backupCodesRequest) Validate() error {
	return sharecrypt.ValidateSize(r.Count, "count", 0, 100)
}

type shareRequest struct {
	GranteeID string `json:"grantee_id"`
	CanWrite  bool   `json:"can_write"`
}

func (r shareRequest) Validate() error {
	if strings.TrimSpace(r.GranteeID) == "" {
		return sharecrypt.NewValidationError("grantee_id", "", "grantee is required")
	}
	return nil
}

type renameRequest struct {
	Name string `json:"name"`
}

func (r renameRequest) Validate() error {
	return files.ValidateName(r.Name)
}

type createLinkRequest struct {
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Password       string     `json:"password,omitempty"`
	MaxAccessCount *int       `json:"max_access_count,omitempty"`
}

func (r createLinkRequest) options() sharelink.CreateOptions {
	return sharelink.CreateOptions{
		ExpiresAt:      r.ExpiresAt,
		Password:       r.Password,
		MaxAccessCount: r.MaxAccessCount,
	}
}

type accessRequest struct {
	Password string `json:"password,omitempty"`
}

// uploadRequest reads the upload metadata from headers; the body is the
// file itself
func uploadRequest(r *http.Request) (files.UploadRequest, error) {
	name := r.Header.Get("X-File-Name")
	if name == "" {
		name = r.URL.Query().Get("name")
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	req := files.UploadRequest{
		Name:     name,
		MIMEType: r.Header.Get("Content-Type"),
		Body:     r.Body,
	}
	return req, req.Validate()
}

type fileView struct {
	ID        string             `json:"id"`
	OwnerID   string             `json:"owner_id"`
	Name      string             `json:"name"`
	MIMEType  string             `json:"mime_type"`
	Size      int64              `json:"size"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Grants    []store.ShareGrant `json:"grants,omitempty"`
}

func newFileView(rec store.FileRecord) fileView {
	return fileView{
		ID:        rec.ID,
		OwnerID:   rec.OwnerID,
		Name:      rec.Name,
		MIMEType:  rec.MIMEType,
		Size:      rec.Size,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func newFileViews(recs []store.FileRecord) []fileView {
	out := make([]fileView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newFileView(rec))
	}
	return out
}

type linkView struct {
	ID             string     `json:"id"`
	FileID         string     `json:"file_id"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Protected      bool       `json:"password_protected"`
	AccessCount    int        `json:"access_count"`
	MaxAccessCount *int       `json:"max_access_count,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func newLinkView(l store.ShareLink) linkView {
	return linkView{
		ID:             l.ID,
		FileID:         l.FileID,
		ExpiresAt:      l.ExpiresAt,
		Protected:      l.PasswordHash != "",
		AccessCount:    l.AccessCount,
		MaxAccessCount: l.MaxAccessCount,
		CreatedAt:      l.CreatedAt,
	}
}

type ticketView struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
