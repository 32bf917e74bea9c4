// ABOUTME: Admin endpoints for accepting, declining, and listing sessions
// ABOUTME: JWT-authenticated; the acting user becomes the subject's steward

package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/arkitektio/linkd/internal/auth"
	"github.com/arkitektio/linkd/internal/linking"
	"github.com/arkitektio/linkd/internal/manifest"
	"github.com/arkitektio/linkd/internal/store"
)

type acceptRequest struct {
	SessionID    string `json:"session_id"`
	Organization string `json:"organization"`
}

// handleAcceptSession binds the session to a subject materialized for the
// acting user's organization.
func (s *Server) handleAcceptSession(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Organization == "" {
		s.writeError(w, "session_id and organization are required")
		return
	}

	ident := auth.MustFromContext(r.Context())

	subject, err := s.flow.Accept(r.Context(), req.SessionID, req.Organization, ident)
	if err != nil {
		switch {
		case errors.Is(err, linking.ErrAlreadyValidated):
			s.writeError(w, "session already validated")
		case errors.Is(err, store.ErrSessionNotFound):
			s.writeError(w, "unknown session")
		default:
			s.logger.Warn("accept failed", "session_id", req.SessionID, "error", err)
			s.writeError(w, err.Error())
		}
		return
	}

	s.writeEnvelope(w, envelope{
		"status":     statusGranted,
		"subject_id": subject.ID,
		"variant":    string(subject.Variant),
	})
}

type checkRequest struct {
	SessionID    string `json:"session_id"`
	Organization string `json:"organization"`
}

// handleCheckSession previews whether a session could be accepted into the
/// organization: the requirement resolution an accept would run, without
// materializing anything. Errors name non-optional requirements nothing
// satisfies; warnings name optional ones.
func (s *Server) handleCheckSession(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Organization == "" {
		s.writeError(w, "session_id and organization are required")
		return
	}

	ident := auth.MustFromContext(r.Context())

	errs, warnings, err := s.flow.Check(r.Context(), req.SessionID, req.Organization, ident)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			s.writeError(w, "unknown session")
			return
		}
		s.logger.Error("check failed", "session_id", req.SessionID, "error", err)
		s.writeError(w, "internal error")
		return
	}

	if errs == nil {
		errs = []string{}
	}
	if warnings == nil {
		warnings = []string{}
	}
	s.writeEnvelope(w, envelope{
		"status":     statusGranted,
		"compatible": len(errs) == 0,
		"errors":     errs,
		"warnings":   warnings,
	})
}

type declineRequest struct {
	SessionID string `json:"session_id"`
}

// handleDeclineSession marks the session denied; the device learns of the
// denial on its next poll.
func (s *Server) handleDeclineSession(w http.ResponseWriter, r *http.Request) {
	var req declineRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		s.writeError(w, "session_id is required")
		return
	}

	if err := s.flow.Decline(r.Context(), req.SessionID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			s.writeError(w, "unknown session")
			return
		}
		s.logger.Error("decline failed", "session_id", req.SessionID, "error", err)
		s.writeError(w, "internal error")
		return
	}

	s.writeEnvelope(w, envelope{"status": statusDenied})
}

// sessionSummary is the JSON listing shape for a pending session.
type sessionSummary struct {
	ID        string    `json:"id"`
	Variant   string    `json:"variant"`
	Code      string    `json:"code"`
	Manifest  string    `json:"manifest"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// handleListSessions lists pending sessions as JSON, or as an HTML page
// with rendered manifest descriptions when the client accepts text/html.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sessions, err := s.store.ListPendingSessions(r.Context())
	if err != nil {
		s.logger.Error("listing sessions", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		s.renderSessionsPage(w, sessions)
		return
	}

	summaries := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		var m manifest.Manifest
		label := "unparseable manifest"
		if err := json.Unmarshal(sess.Manifest, &m); err == nil {
			label = m.String()
		}
		summaries = append(summaries, sessionSummary{
			ID:        sess.ID,
			Variant:   string(sess.Variant),
			Code:      sess.Code,
			Manifest:  label,
			ExpiresAt: sess.ExpiresAt,
			CreatedAt: sess.CreatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"sessions": summaries}); err != nil {
		s.logger.Error("writing session list", "error", err)
	}
}

// renderSessionsPage renders the pending sessions as a minimal HTML page,
// with each staged manifest's markdown description rendered via goldmark.
func (s *Server) renderSessionsPage(w http.ResponseWriter, sessions []*store.LinkingSession) {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html><head><title>Pending linking sessions</title></head><body>\n")
	b.WriteString("<h1>Pending linking sessions</h1>\n")

	if len(sessions) == 0 {
		b.WriteString("<p>No pending sessions.</p>\n")
	}

	for _, sess := range sessions {
		var m manifest.Manifest
		if err := json.Unmarshal(sess.Manifest, &m); err != nil {
			continue
		}

		fmt.Fprintf(&b, "<section>\n<h2>%s</h2>\n", html.EscapeString(m.String()))
		fmt.Fprintf(&b, "<p>variant: %s, code: <code>%s</code>, expires: %s</p>\n",
			html.EscapeString(string(sess.Variant)),
			html.EscapeString(sess.Code),
			sess.ExpiresAt.Format(time.RFC3339),
		)

		if m.Description != "" {
			var rendered bytes.Buffer
			if err := goldmark.Convert([]byte(m.Description), &rendered); err != nil {
				s.logger.Warn("rendering manifest description", "session_id", sess.ID, "error", err)
			} else {
				b.WriteString("<div>")
				b.Write(rendered.Bytes())
				b.WriteString("</div>\n")
			}
		}
		b.WriteString("</section>\n")
	}

	b.WriteString("</body></html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(b.String()))
}
