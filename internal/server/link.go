// ABOUTME: Protocol handlers: start, challenge, claim, and report
// ABOUTME: Devices talk to these; humans act through the admin endpoints

package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/arkitektio/linkd/internal/claims"
	"github.com/arkitektio/linkd/internal/linking"
	"github.com/arkitektio/linkd/internal/manifest"
	"github.com/arkitektio/linkd/internal/store"
)

type startRequest struct {
	Manifest              manifest.Manifest   `json:"manifest"`
	ExpirationTimeSeconds int                 `json:"expiration_time_seconds"`
	RedirectURIs          []string            `json:"redirect_uris"`
	RequestedClientKind   string              `json:"requested_client_kind"`
	RequestPublic         bool                `json:"request_public"`
	StagedAliases         []store.StagedAlias `json:"staged_aliases"`
	DevicePublicKey       string              `json:"device_public_key"`
}

// handleStart opens a linking session for the given variant and hands the
// device its public code and poll challenge.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, variant store.SessionVariant) {
	var req startRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ttl := s.config.Linking.SessionTTL
	if req.ExpirationTimeSeconds > 0 {
		ttl = time.Duration(req.ExpirationTimeSeconds) * time.Second
	}

	kind := store.ClientKind(req.RequestedClientKind)
	if kind == "" {
		kind = store.ClientKindDevelopment
	}

	sess, err := s.flow.Start(r.Context(), linking.StartOptions{
		Variant:         variant,
		Manifest:        &req.Manifest,
		TTL:             ttl,
		Kind:            kind,
		Public:          req.RequestPublic,
		RedirectURIs:    req.RedirectURIs,
		StagedAliases:   req.StagedAliases,
		DevicePublicKey: req.DevicePublicKey,
	})
	if err != nil {
		s.logger.Warn("start rejected", "variant", variant, "error", err)
		s.writeError(w, err.Error())
		return
	}

	s.writeEnvelope(w, envelope{
		"status":    statusGranted,
		"code":      sess.Code,
		"challenge": sess.PollCode,
	})
}

type challengeRequest struct {
	Challenge string `json:"challenge"`
	// Code is accepted as an alias for challenge for older clients that
	// poll with the field name of the start request's code.
	Code string `json:"code"`
}

// handleChallenge reports the session's derived status to the polling
// device. Re-polls inside the minimum interval are answered with
// slow_down without touching the session.
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	pollCode := req.Challenge
	if pollCode == "" {
		pollCode = req.Code
	}
	if pollCode == "" {
		s.writeEnvelope(w, envelope{"status": statusError, "error": "missing challenge"})
		return
	}

	if !s.throttle.Allow(pollCode) {
		s.writeEnvelope(w, envelope{"status": statusError, "error": "slow_down"})
		return
	}

	result, err := s.flow.Poll(r.Context(), pollCode)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			s.throttle.Forget(pollCode)
			s.writeEnvelope(w, envelope{"status": statusError, "error": "unknown challenge"})
			return
		}
		s.logger.Error("poll failed", "error", err)
		s.writeEnvelope(w, envelope{"status": statusError, "error": "internal error"})
		return
	}

	switch result.Status {
	case store.SessionGranted:
		s.writeEnvelope(w, envelope{"status": statusGranted, "token": result.Token})
	case store.SessionDenied:
		s.throttle.Forget(pollCode)
		s.writeEnvelope(w, envelope{"status": statusDenied, "message": result.Message})
	case store.SessionExpired:
		s.throttle.Forget(pollCode)
		s.writeEnvelope(w, envelope{"status": statusExpired, "message": result.Message})
	default:
		s.writeEnvelope(w, envelope{"status": statusPending})
	}
}

type claimRequest struct {
	Token          string   `json:"token"`
	Composition    bool     `json:"composition"`
	Requirements   []string `json:"requirements"`
	Secure         bool     `json:"secure"`
	DeploymentName string   `json:"deployment_name"`
}

// handleClaim renders the configuration document for the subject the
// bearer token names.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Token == "" {
		s.writeError(w, "missing token")
		return
	}

	lc := &claims.LinkingContext{
		Host:           r.Host,
		Secure:         req.Secure || r.TLS != nil,
		Requirements:   req.Requirements,
		DeploymentName: req.DeploymentName,
	}

	var doc claims.Document
	if req.Composition {
		comp, err := s.store.GetCompositionByToken(r.Context(), req.Token)
		if err != nil {
			s.writeError(w, "invalid token")
			return
		}
		doc, err = s.renderer.RenderComposition(r.Context(), comp, lc)
		if err != nil {
			s.logger.Warn("composition claim failed", "composition_id", comp.ID, "error", err)
			s.writeError(w, err.Error())
			return
		}
	} else {
		client, err := s.store.GetClientByToken(r.Context(), req.Token)
		if err != nil {
			s.writeError(w, "invalid token")
			return
		}
		doc, err = s.renderer.RenderClient(r.Context(), client, lc)
		if err != nil {
			s.logger.Warn("client claim failed", "client_id", client.ID, "error", err)
			s.writeError(w, err.Error())
			return
		}
	}

	s.writeEnvelope(w, envelope{"status": statusGranted, "config": doc})
}

type aliasReportEntry struct {
	AliasID *string `json:"alias_id"`
	Valid   bool    `json:"valid"`
	Reason  string  `json:"reason"`
}

type reportRequest struct {
	Token        string                      `json:"token"`
	Functional   bool                        `json:"functional"`
	AliasReports map[string]aliasReportEntry `json:"alias_reports"`
}

// handleReport records a subject's verdict on its claimed configuration:
// the functional flag, and per-requirement alias reachability for clients.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Token == "" {
		s.writeError(w, "missing token")
		return
	}

	ctx := r.Context()

	client, err := s.store.GetClientByToken(ctx, req.Token)
	if err == nil {
		if err := s.store.SetClientFunctional(ctx, client.ID, req.Functional); err != nil {
			s.logger.Error("updating client functional flag", "client_id", client.ID, "error", err)
			s.writeError(w, "internal error")
			return
		}
		for key, entry := range req.AliasReports {
			report := &store.AliasReport{
				ClientID: client.ID,
				Key:      key,
				AliasID:  entry.AliasID,
				Valid:    entry.Valid,
				Reason:   entry.Reason,
			}
			if err := s.store.SaveAliasReport(ctx, report); err != nil {
				s.logger.Error("saving alias report", "client_id", client.ID, "key", key, "error", err)
				s.writeError(w, "internal error")
				return
			}
		}
		s.logger.Info("recorded client report",
			"client_id", client.ID, "functional", req.Functional, "alias_reports", len(req.AliasReports))
		s.writeEnvelope(w, envelope{"status": statusReported})
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		s.writeError(w, "internal error")
		return
	}

	// Instances report only their functional flag.
	inst, err := s.store.GetInstanceByToken(ctx, req.Token)
	if err != nil {
		s.writeError(w, "invalid token")
		return
	}
	if err := s.store.SetInstanceFunctional(ctx, inst.ID, req.Functional); err != nil {
		s.logger.Error("updating instance functional flag", "instance_id", inst.ID, "error", err)
		s.writeError(w, "internal error")
		return
	}
	s.logger.Info("recorded instance report", "instance_id", inst.ID, "functional", req.Functional)
	s.writeEnvelope(w, envelope{"status": statusReported})
}
