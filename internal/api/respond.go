package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// errorResponse is the uniform error envelope. Field is set only for
// validation failures so clients can highlight the offending input.
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error(r.Context(), "failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.respond(w, r, status, errorResponse{Error: message})
}

func (s *Server) respondFieldError(w http.ResponseWriter, r *http.Request, field, message string) {
	s.respond(w, r, http.StatusBadRequest, errorResponse{Error: message, Field: field})
}

// ownerFromRequest extracts the caller's owner token from the Authorization
// header. Ownership is a bearer-held uuid, not a full identity system.
func ownerFromRequest(r *http.Request) (uuid.UUID, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return uuid.Nil, false
	}
	owner, err := uuid.Parse(strings.TrimSpace(token))
	if err != nil {
		return uuid.Nil, false
	}
	return owner, true
}

// statusLabel renders domain enums in the lowercase wire form.
func statusLabel[T ~string](v T) string { return strings.ToLower(string(v)) }
