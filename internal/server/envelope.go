// ABOUTME: JSON response envelope for the linking protocol endpoints
// ABOUTME: Business outcomes ride the status field, not HTTP status codes

package server

import (
	"encoding/json"
	"net/http"
)

// Envelope statuses. Business failures still return HTTP 200 with
// status "error"; HTTP status codes are reserved for transport problems.
const (
	statusGranted  = "granted"
	statusPending  = "pending"
	statusDenied   = "denied"
	statusExpired  = "expired"
	statusError    = "error"
	statusReported = "reported"
)

// envelope is the uniform response body of every protocol endpoint.
type envelope map[string]any

// writeEnvelope writes v as a JSON envelope with HTTP 200.
func (s *Server) writeEnvelope(w http.ResponseWriter, v envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writing envelope", "error", err)
	}
}

// writeError writes a status:"error" envelope with a human-readable message.
func (s *Server) writeError(w http.ResponseWriter, message string) {
	s.writeEnvelope(w, envelope{"status": statusError, "message": message})
}

// decodeBody parses the JSON request body into dst. POST is the only
// accepted method on protocol endpoints.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(envelope{"status": statusError, "message": "malformed request body"})
		return false
	}
	return true
}
