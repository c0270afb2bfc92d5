package api

import (
	"net/http"
	"strings"

	"github.com/absfs/sharecrypt/mfa"
	"github.com/absfs/sharecrypt/ratelimit"
)

// Authenticator returns the user id a request is authenticated as, or ""
// for an anonymous request
type Authenticator func(r *http.Request) string

// TicketAuthenticator accepts "Authorization: Bearer <ticket>" with a
// ticket issued by the MFA service
func TicketAuthenticator(m *mfa.Service) Authenticator {
	return func(r *http.Request) string {
		h := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || token == "" {
			return ""
		}
		t, err := m.VerifyTicket(strings.TrimSpace(token))
		if err != nil {
			return ""
		}
		return t.UserID
	}
}

// HeaderAuthenticator trusts a header set by an authenticating proxy in
// front of the server. Only use it when clients cannot reach the server
// directly.
func HeaderAuthenticator(name string) Authenticator {
	return func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get(name))
	}
}

// Chain returns the first non-empty identity of auths
func Chain(auths ...Authenticator) Authenticator {
	return func(r *http.Request) string {
		for _, a := range auths {
			if a == nil {
				continue
			}
			if id := a(r); id != "" {
				return id
			}
		}
		return ""
	}
}

func (s *Server) identify(r *http.Request) string {
	return ratelimit.Identify(s.auth(r), r.RemoteAddr)
}

// requireUser writes 401 and returns false for anonymous requests
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := s.auth(r)
	if user == "" {
		unauthorized(w)
		return "", false
	}
	return user, true
}
