package api

import (
	"net/http"

	"github.com/absfs/sharecrypt/sharelink"
)

func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req createLinkRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	l, err := s.links.Create(r.Context(), user, r.PathValue("id"), req.options())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newLinkView(l))
}

func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	links, err := s.links.List(r.Context(), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]linkView, 0, len(links))
	for _, l := range links {
		out = append(out, newLinkView(l))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteLink(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if err := s.links.Delete(r.Context(), user, r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOpenLink(w http.ResponseWriter, r *http.Request) {
	var body accessRequest
	if !decodeJSON(w, r, &body, true) {
		return
	}
	req := sharelink.AccessRequest{LinkID: r.PathValue("id"), Password: body.Password}

	rec, err := s.links.Authorize(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.streamFile(w, r, rec)
}
