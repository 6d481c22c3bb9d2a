package api

import (
	"net/http"
)

type healthResponse struct {
	Status  string         `json:"status"`
	Handles map[string]int `json:"handles"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Handles: s.bridge.LiveHandles(),
	})
}
