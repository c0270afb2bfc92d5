// Package api is the HTTP boundary. Requests are decoded into typed values
// and validated once here; everything past the handlers works on those
// values only.
package api

import (
	"errors"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/absfs/sharecrypt/files"
	"github.com/absfs/sharecrypt/logging"
	"github.com/absfs/sharecrypt/mfa"
	"github.com/absfs/sharecrypt/ratelimit"
	"github.com/absfs/sharecrypt/sharelink"
	"github.com/absfs/sharecrypt/store"
)

// Deps are the services behind the API
type Deps struct {
	Files *files.Service
	Links *sharelink.Service
	MFA   *mfa.Service

	// Limiter guards sensitive routes; nil disables rate limiting
	Limiter *ratelimit.Limiter
	// Authenticate identifies callers; nil accepts MFA tickets only
	Authenticate Authenticator
	Logger       *logrus.Logger
}

// Server routes JSON requests to the domain services
type Server struct {
	files   *files.Service
	links   *sharelink.Service
	mfa     *mfa.Service
	limiter *ratelimit.Limiter
	auth    Authenticator
	log     *logrus.Logger

	mux *http.ServeMux
}

// NewServer registers every route. Files, Links and MFA are required.
func NewServer(d Deps) (*Server, error) {
	if d.Files == nil || d.Links == nil || d.MFA == nil {
		return nil, errors.New("api: files, links and mfa services are required")
	}
	s := &Server{
		files:   d.Files,
		links:   d.Links,
		mfa:     d.MFA,
		limiter: d.Limiter,
		auth:    d.Authenticate,
		log:     logging.OrDefault(d.Logger),
		mux:     http.NewServeMux(),
	}
	if s.auth == nil {
		s.auth = TicketAuthenticator(d.MFA)
	}

	mux := s.mux
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("GET /api/files/{$}", s.handleListFiles)
	mux.HandleFunc("POST /api/files/upload/{$}", s.handleUpload)
	mux.HandleFunc("GET /api/files/download/{id}/{$}", s.handleDownload)
	mux.HandleFunc("GET /api/files/{id}/{$}", s.handleGetFile)
	mux.HandleFunc("PATCH /api/files/{id}/{$}", s.handleRenameFile)
	mux.HandleFunc("DELETE /api/files/{id}/{$}", s.handleDeleteFile)
	mux.HandleFunc("POST /api/files/{id}/share/{$}", s.handleShare)
	mux.HandleFunc("DELETE /api/files/{id}/share/{grantee}/{$}", s.handleUnshare)
	mux.HandleFunc("POST /api/files/{id}/links/{$}", s.handleCreateLink)
	mux.HandleFunc("GET /api/files/links/{$}", s.handleListLinks)
	mux.HandleFunc("DELETE /api/files/links/{id}/{$}", s.handleDeleteLink)

	// public; possession of the link id (and password, if set) is enough
	mux.HandleFunc("POST /api/share/{id}/{$}", s.handleOpenLink)

	mux.HandleFunc("GET /api/auth/mfa/{$}", s.handleMFAStatus)
	mux.HandleFunc("POST /api/auth/mfa/enable/{$}", s.handleMFAEnable)
	mux.HandleFunc("POST /api/auth/mfa/confirm/{$}", s.handleMFAConfirm)
	mux.HandleFunc("POST /api/auth/mfa/disable/{$}", s.handleMFADisable)
	mux.HandleFunc("POST /api/auth/mfa/verify/{$}", s.handleMFAVerify)
	mux.HandleFunc("POST /api/auth/mfa/backup-codes/{$}", s.handleBackupCodes)
	mux.HandleFunc("POST /api/auth/mfa/backup-codes/verify/{$}", s.handleBackupCodeVerify)

	return s, nil
}

// Handler returns the routes behind the middleware stack
func (s *Server) Handler() http.Handler {
	return s.withMiddleware(s.mux)
}

// fail writes err as a response, logging anything unexpected
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if v, ok := retryAfter(err); ok {
		w.Header().Set("Retry-After", v)
	}
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
	}
	writeError(w, status, msg)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// contentWriter sends the file headers with the first byte of content, so
// a failure before any plaintext is produced can still become a JSON error
type contentWriter struct {
	w       http.ResponseWriter
	rec     store.FileRecord
	started bool
}

func (cw *contentWriter) Write(p []byte) (int, error) {
	if !cw.started {
		cw.started = true
		setContentHeaders(cw.w, cw.rec)
		cw.w.WriteHeader(http.StatusOK)
	}
	return cw.w.Write(p)
}

func setContentHeaders(w http.ResponseWriter, rec store.FileRecord) {
	h := w.Header()
	ct := rec.MIMEType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	h.Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	h.Set("Cache-Control", "no-store")
	if cd := mime.FormatMediaType("attachment", map[string]string{"filename": rec.Name}); cd != "" {
		h.Set("Content-Disposition", cd)
	} else {
		h.Set("Content-Disposition", "attachment")
	}
}

// streamFile decrypts rec into the response
func (s *Server) streamFile(w http.ResponseWriter, r *http.Request, rec store.FileRecord) {
	cw := &contentWriter{w: w, rec: rec}
	if _, err := s.files.Decrypt(r.Context(), rec, cw); err != nil {
		if !cw.started {
			s.fail(w, r, err)
			return
		}
		s.log.WithError(err).WithField("file", rec.ID).Error("download aborted mid-stream")
		return
	}
	if !cw.started {
		setContentHeaders(w, rec)
		w.WriteHeader(http.StatusOK)
	}
}
