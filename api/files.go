package api

import (
	"net/http"
)

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	listing, err := s.files.List(r.Context(), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owned":  newFileViews(listing.Owned),
		"shared": newFileViews(listing.Shared),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	req, err := uploadRequest(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.files.Upload(r.Context(), user, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newFileView(rec))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	rec, err := s.files.Get(r.Context(), user, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.streamFile(w, r, rec)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	rec, err := s.files.Get(r.Context(), user, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view := newFileView(rec)
	if rec.OwnerID == user {
		if view.Grants, err = s.files.Grants(r.Context(), user, rec.ID); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRenameFile(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req renameRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if err := req.Validate(); err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.files.Rename(r.Context(), user, r.PathValue("id"), req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newFileView(rec))
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if err := s.files.Delete(r.Context(), user, r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req shareRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if err := req.Validate(); err != nil {
		s.fail(w, r, err)
		return
	}
	g, err := s.files.Share(r.Context(), user, r.PathValue("id"), req.GranteeID, req.CanWrite)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleUnshare(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if err := s.files.Unshare(r.Context(), user, r.PathValue("id"), r.PathValue("grantee")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
