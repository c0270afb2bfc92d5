package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// limitedFragments are the path fragments the middleware guards
var limitedFragments = []string{"/api/auth/", "/api/files/", "/api/share/"}

// IsLimited reports whether requests to path are rate limited
func IsLimited(path string) bool {
	path = strings.ToLower(path)
	for _, f := range limitedFragments {
		if strings.Contains(path, f) {
			return true
		}
	}
	return false
}

// IdentifyFunc extracts the caller identity from a request
type IdentifyFunc func(r *http.Request) string

// RemoteAddrIdentity identifies every caller by remote address
func RemoteAddrIdentity(r *http.Request) string {
	return Identify("", r.RemoteAddr)
}

// Middleware rejects over-quota requests to limited paths with 429 and a
// Retry-After header. The body does not reveal counters.
func Middleware(l *Limiter, identify IdentifyFunc, log *logrus.Logger) func(http.Handler) http.Handler {
	if identify == nil {
		identify = RemoteAddrIdentity
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IsLimited(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			class := Classify(r.URL.Path)
			d, err := l.CheckAndIncrement(r.Context(), class, identify(r))
			if err != nil {
				if log != nil {
					log.WithError(err).WithField("class", class).Error("rate limiter unavailable")
				}
				writeJSON(w, http.StatusServiceUnavailable, "service unavailable")
				return
			}
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
				writeJSON(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
