package api

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/absfs/sharecrypt"
	"github.com/absfs/sharecrypt/files"
	"github.com/absfs/sharecrypt/mfa"
	"github.com/absfs/sharecrypt/ratelimit"
	"github.com/absfs/sharecrypt/sharelink"
	"github.com/absfs/sharecrypt/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, msg)
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func internalServerError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// statusFor maps a domain error to a status and a message that is safe to
// show the caller. Unknown errors are 500 with a generic message.
func statusFor(err error) (int, string) {
	var (
		verr     *sharecrypt.ValidationError
		exceeded *ratelimit.ExceededError
		tooLarge *http.MaxBytesError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, "invalid " + verr.Field + ": " + verr.Message
	case errors.As(err, &exceeded):
		return http.StatusTooManyRequests, "rate limit exceeded"
	case errors.As(err, &tooLarge), errors.Is(err, files.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "file too large"

	case errors.Is(err, sharelink.ErrLinkExpired):
		return http.StatusGone, sharelink.ErrLinkExpired.Error()
	case errors.Is(err, sharelink.ErrLinkExhausted):
		return http.StatusGone, sharelink.ErrLinkExhausted.Error()
	case errors.Is(err, sharelink.ErrInvalidPassword):
		return http.StatusForbidden, sharelink.ErrInvalidPassword.Error()
	case errors.Is(err, sharelink.ErrLinkNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not found"

	case errors.Is(err, files.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, files.ErrSelfShare):
		return http.StatusBadRequest, files.ErrSelfShare.Error()
	case errors.Is(err, store.ErrExists):
		return http.StatusConflict, "already exists"

	case errors.Is(err, mfa.ErrAlreadyEnabled):
		return http.StatusConflict, mfa.ErrAlreadyEnabled.Error()
	case errors.Is(err, mfa.ErrNotEnabled):
		return http.StatusBadRequest, mfa.ErrNotEnabled.Error()
	case errors.Is(err, mfa.ErrInvalidCode):
		return http.StatusUnauthorized, mfa.ErrInvalidCode.Error()
	case errors.Is(err, mfa.ErrInvalidTicket):
		return http.StatusUnauthorized, "unauthorized"

	case sharecrypt.IsKeyUnwrapError(err):
		return http.StatusInternalServerError, "file inaccessible"
	case sharecrypt.IsCorrupted(err):
		return http.StatusInternalServerError, "file corrupted"
	}
	return http.StatusInternalServerError, "internal server error"
}

func retryAfter(err error) (string, bool) {
	var exceeded *ratelimit.ExceededError
	if !errors.As(err, &exceeded) {
		return "", false
	}
	return strconv.Itoa(int(math.Ceil(exceeded.RetryAfter.Seconds()))), true
}

func mapDecodeError(err error) string {
	var synErr *json.SyntaxError
	if errors.As(err, &synErr) {
		return "invalid json"
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return "invalid json"
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return "invalid json field type"
	}
	return "invalid request body"
}
