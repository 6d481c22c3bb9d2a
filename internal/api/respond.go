package api

import (
	"encoding/json"
	"net/http"

	"github.com/eoger/lockbox-bridge/internal/bridge"
)

const maxBodySize = 1 << 20 // 1 MB

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeJSON writes v as a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeRawJSON writes a document the bridge has already encoded.
func (s *Server) writeRawJSON(w http.ResponseWriter, status int, doc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(doc)); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

// writeError maps a bridge error onto a status code and JSON error body, and
// reports its kind to the request's metrics.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := bridge.KindOf(err)
	noteErrorKind(r, kind)
	s.writeJSON(w, statusForKind(kind), errorResponse{Error: err.Error(), Kind: string(kind)})
}

func statusForKind(k bridge.Kind) int {
	switch k {
	case bridge.KindMalformedHandle, bridge.KindMalformedArgument:
		return http.StatusBadRequest
	case bridge.KindInvalidHandle:
		return http.StatusNotFound
	case bridge.KindEngine:
		return http.StatusUnprocessableEntity
	case bridge.KindLockUnavailable:
		return http.StatusLocked
	case bridge.KindCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a bounded JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &bridge.Error{Kind: bridge.KindMalformedArgument, Message: "invalid JSON body", Err: err}
	}
	return nil
}

type handleResponse struct {
	Handle string `json:"handle"`
}
