package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type beginAuthResponse struct {
	URL string `json:"url"`
}

type completeAuthRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

type completeAuthResponse struct {
	Completed bool `json:"completed"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	h, err := s.bridge.CreateAccountSession(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, handleResponse{Handle: h})
}

func (s *Server) handleBeginAuthFlow(w http.ResponseWriter, r *http.Request) {
	u, err := s.bridge.BeginAuthFlow(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, beginAuthResponse{URL: u})
}

func (s *Server) handleCompleteAuthFlow(w http.ResponseWriter, r *http.Request) {
	var req completeAuthRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ok, err := s.bridge.CompleteAuthFlow(r.Context(), chi.URLParam(r, "handle"), req.Code, req.State)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, completeAuthResponse{Completed: ok})
}

func (s *Server) handleGetAccessToken(w http.ResponseWriter, r *http.Request) {
	doc, err := s.bridge.GetAccessToken(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeRawJSON(w, http.StatusOK, doc)
}

func (s *Server) handleReleaseAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.ReleaseAccountSession(r.Context(), chi.URLParam(r, "handle")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
