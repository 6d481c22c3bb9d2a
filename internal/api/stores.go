package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eoger/lockbox-bridge/internal/bridge"
)

type createStoreRequest struct {
	Path string `json:"path"`
}

type syncStoreRequest struct {
	KeyID       string `json:"key_id"`
	AccessToken string `json:"access_token"`
	SyncKey     string `json:"sync_key"`
}

func (s *Server) handleCreateStore(w http.ResponseWriter, r *http.Request) {
	var req createStoreRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	h, err := s.bridge.CreateStore(r.Context(), req.Path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, handleResponse{Handle: h})
}

func (s *Server) handleSyncStore(w http.ResponseWriter, r *http.Request) {
	var req syncStoreRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	err := s.bridge.SyncStore(r.Context(), chi.URLParam(r, "handle"), req.KeyID, req.AccessToken, req.SyncKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	doc, err := s.bridge.ListStoreEntries(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeRawJSON(w, http.StatusOK, doc)
}

func (s *Server) handleAddEntry(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, r, &bridge.Error{Kind: bridge.KindMalformedArgument, Message: "unreadable body", Err: err})
		return
	}

	doc, err := s.bridge.AddStoreEntry(r.Context(), chi.URLParam(r, "handle"), string(body))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeRawJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleReleaseStore(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.ReleaseStore(r.Context(), chi.URLParam(r, "handle")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
