// ABOUTME: Linking session state machine: start, accept, decline, poll
// ABOUTME: One generic flow parametrized by per-variant subject resolvers

package linking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arkitektio/linkd/internal/auth"
	"github.com/arkitektio/linkd/internal/codes"
	"github.com/arkitektio/linkd/internal/manifest"
	"github.com/arkitektio/linkd/internal/resolver"
	"github.com/arkitektio/linkd/internal/store"
)

// DefaultTTL is the session lifetime when the start request does not name
// one.
const DefaultTTL = 300 * time.Second

// ErrAlreadyValidated is returned when accepting a session that already has
// a bound subject.
var ErrAlreadyValidated = errors.New("session already validated")

// ErrUnknownVariant is returned when no subject resolver is registered for
// a session's variant.
var ErrUnknownVariant = errors.New("unknown session variant")

// Subject is the outcome of an accept: the bound entity and its bearer
// token.
type Subject struct {
	ID      string
	Token   string
	Variant store.SessionVariant
}

// SubjectResolver materializes a subject from a staged manifest. One
// implementation exists per session variant; implementations must converge
// on the subject's natural key so repeated accepts are idempotent.
type SubjectResolver interface {
	Variant() store.SessionVariant
	Resolve(ctx context.Context, tx *store.SQLiteStore, req *ResolveRequest) (*Subject, error)
}

// ResolveRequest carries everything a resolver needs during an accept.
type ResolveRequest struct {
	Session      *store.LinkingSession
	Manifest     *manifest.Manifest
	Organization *store.Organization
	User         *store.User
	UserGroups   []string
}

// StartOptions parametrize a new linking session.
type StartOptions struct {
	Variant         store.SessionVariant
	Manifest        *manifest.Manifest
	TTL             time.Duration
	Kind            store.ClientKind
	Public          bool
	RedirectURIs    []string
	StagedAliases   []store.StagedAlias
	DevicePublicKey string // SSH public key in authorized_keys format, optional
}

// PollResult is the outcome of a status poll.
type PollResult struct {
	Status  store.SessionStatus
	Token   string // bearer token, set when Status is granted
	Message string
}

// Flow is the linking session state machine. Resolvers is an explicit
// registry built at startup; there is no package-level registration.
type Flow struct {
	db        *store.SQLiteStore
	resolvers map[store.SessionVariant]SubjectResolver
	logger    *slog.Logger
}

// NewFlow creates the state machine with the given subject resolvers.
func NewFlow(db *store.SQLiteStore, logger *slog.Logger, resolvers ...SubjectResolver) *Flow {
	if logger == nil {
		logger = slog.Default()
	}
	byVariant := make(map[store.SessionVariant]SubjectResolver, len(resolvers))
	for _, r := range resolvers {
		byVariant[r.Variant()] = r
	}
	return &Flow{
		db:        db,
		resolvers: byVariant,
		logger:    logger.With("component", "linking"),
	}
}

// Start creates a pending session with a fresh public code and an
// independent poll code, staging the manifest and requested aliases
// verbatim.
func (f *Flow) Start(ctx context.Context, opts StartOptions) (*store.LinkingSession, error) {
	if opts.Manifest == nil {
		return nil, fmt.Errorf("%w: missing manifest", manifest.ErrInvalidManifest)
	}
	if err := opts.Manifest.Validate(); err != nil {
		return nil, err
	}
	if _, ok := f.resolvers[opts.Variant]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, opts.Variant)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	staged, err := json.Marshal(opts.Manifest)
	if err != nil {
		return nil, fmt.Errorf("staging manifest: %w", err)
	}

	var fingerprint string
	if opts.DevicePublicKey != "" {
		fingerprint, err = auth.ParseFingerprintFromKey(opts.DevicePublicKey)
		if err != nil {
			return nil, fmt.Errorf("parsing device public key: %w", err)
		}
	}

	// Code collisions are astronomically unlikely at 128 bits, but the
	// store's uniqueness constraint is authoritative; retry a few times
	// rather than surface a spurious failure.
	for attempt := 0; attempt < 3; attempt++ {
		code, err := codes.NewLinkingCode()
		if err != nil {
			return nil, err
		}
		pollCode, err := codes.NewPollCode()
		if err != nil {
			return nil, err
		}

		sess := &store.LinkingSession{
			ID:                uuid.New().String(),
			Variant:           opts.Variant,
			Code:              code,
			PollCode:          pollCode,
			Manifest:          staged,
			StagedAliases:     opts.StagedAliases,
			Kind:              opts.Kind,
			Public:            opts.Public,
			RedirectURIs:      opts.RedirectURIs,
			DeviceFingerprint: fingerprint,
			ExpiresAt:         time.Now().UTC().Add(ttl),
		}

		err = f.db.CreateSession(ctx, sess)
		if err == nil {
			f.logger.Info("started linking session",
				"session_id", sess.ID,
				"variant", sess.Variant,
				"manifest", opts.Manifest.String(),
				"expires_at", sess.ExpiresAt,
			)
			return sess, nil
		}
		if !errors.Is(err, store.ErrDuplicateCode) {
			return nil, err
		}
	}
	return nil, store.ErrDuplicateCode
}

// Accept binds a subject to the session. The acting user is upserted, the
// staged manifest is parsed, and the variant's resolver materializes the
// subject inside one transaction so a partial materialization cannot leave
// a subject bound without its declared roles, scopes, and aliases.
//
// Accept is idempotent per the subject's natural key: a re-accept of an
// already-bound session fails with ErrAlreadyValidated, and two concurrent
// accepts converge on the same subject through the store's uniqueness
// constraints.
func (f *Flow) Accept(ctx context.Context, sessionID, organizationIdentifier string, ident *auth.Identity) (*Subject, error) {
	sess, err := f.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.SubjectID != nil {
		return nil, ErrAlreadyValidated
	}
	if sess.Status(time.Now()) != store.SessionPending {
		return nil, fmt.Errorf("session is %s", sess.Status(time.Now()))
	}

	strategy, ok := f.resolvers[sess.Variant]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, sess.Variant)
	}

	var m manifest.Manifest
	if err := json.Unmarshal(sess.Manifest, &m); err != nil {
		return nil, fmt.Errorf("parsing staged manifest: %w", err)
	}

	var subject *Subject
	err = f.db.InTransaction(ctx, func(tx *store.SQLiteStore) error {
		org, err := tx.UpsertOrganization(ctx, &store.Organization{Identifier: organizationIdentifier})
		if err != nil {
			return err
		}

		user, err := tx.UpsertUser(ctx, &store.User{
			Sub:            ident.Sub,
			DisplayName:    ident.Name,
			OrganizationID: org.ID,
		})
		if err != nil {
			return err
		}
		for _, g := range ident.Groups {
			if err := tx.AddUserToGroup(ctx, user.ID, g); err != nil {
				return err
			}
		}

		subject, err = strategy.Resolve(ctx, tx, &ResolveRequest{
			Session:      sess,
			Manifest:     &m,
			Organization: org,
			User:         user,
			UserGroups:   ident.Groups,
		})
		if err != nil {
			return err
		}

		return tx.BindSubject(ctx, sess.ID, subject.ID)
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyBound) {
			return nil, ErrAlreadyValidated
		}
		return nil, err
	}

	f.logger.Info("accepted linking session",
		"session_id", sess.ID,
		"variant", sess.Variant,
		"subject_id", subject.ID,
		"organization", organizationIdentifier,
		"accepted_by", ident.Sub,
	)
	return subject, nil
}

// Check is the compatibility dry run for a pending session: it resolves the
// staged manifest's requirements against the organization's catalog the way
// an accept would, but writes nothing. Non-optional misses land in errs,
// optional misses in warnings. An unregistered organization is itself a
// single error, since nothing could resolve inside it.
func (f *Flow) Check(ctx context.Context, sessionID, organizationIdentifier string, ident *auth.Identity) (errs []string, warnings []string, err error) {
	sess, err := f.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	var m manifest.Manifest
	if err := json.Unmarshal(sess.Manifest, &m); err != nil {
		return nil, nil, fmt.Errorf("parsing staged manifest: %w", err)
	}

	org, err := f.db.GetOrganizationByIdentifier(ctx, organizationIdentifier)
	if errors.Is(err, store.ErrNotFound) {
		return []string{fmt.Sprintf("organization %q is not registered", organizationIdentifier)}, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	// The acting user may not have been seen before; visibility then rests
	// on the group claims alone.
	snapshot := resolver.UserSnapshot{Groups: ident.Groups}
	if user, err := f.db.GetUserBySub(ctx, ident.Sub); err == nil {
		snapshot.ID = user.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}

	res := resolver.New(f.db, f.logger)
	errs, warnings = res.Check(ctx, &m, snapshot, org.ID)
	return errs, warnings, nil
}

// Decline sets the denied flag; the next poll observes the denial and
// deletes the session.
func (f *Flow) Decline(ctx context.Context, sessionID string) error {
	if err := f.db.DenySession(ctx, sessionID); err != nil {
		return err
	}
	f.logger.Info("declined linking session", "session_id", sessionID)
	return nil
}

// Poll looks up a session by poll code and reports its derived status.
// Expired and denied sessions are deleted on observation: the negative
// outcome is delivered exactly once and a later poll finds nothing. A
// granted session is kept so the device can re-poll the same result;
// deletion is a side effect of observing a negative terminal state, never
// a precondition for reporting it.
func (f *Flow) Poll(ctx context.Context, pollCode string) (*PollResult, error) {
	sess, err := f.db.GetSessionByPollCode(ctx, pollCode)
	if err != nil {
		return nil, err
	}

	switch sess.Status(time.Now()) {
	case store.SessionExpired:
		if err := f.db.DeleteSession(ctx, sess.ID); err != nil {
			f.logger.Error("deleting expired session", "session_id", sess.ID, "error", err)
		}
		return &PollResult{Status: store.SessionExpired, Message: "linking session expired"}, nil

	case store.SessionDenied:
		if err := f.db.DeleteSession(ctx, sess.ID); err != nil {
			f.logger.Error("deleting denied session", "session_id", sess.ID, "error", err)
		}
		return &PollResult{Status: store.SessionDenied, Message: "linking request was denied"}, nil

	case store.SessionGranted:
		token, err := f.subjectToken(ctx, sess)
		if err != nil {
			return nil, err
		}
		return &PollResult{Status: store.SessionGranted, Token: token}, nil

	default:
		return &PollResult{Status: store.SessionPending}, nil
	}
}

// subjectToken fetches the bearer token of the bound subject.
func (f *Flow) subjectToken(ctx context.Context, sess *store.LinkingSession) (string, error) {
	switch sess.Variant {
	case store.VariantClient:
		c, err := f.db.GetClient(ctx, *sess.SubjectID)
		if err != nil {
			return "", fmt.Errorf("loading bound client: %w", err)
		}
		return c.Token, nil
	case store.VariantInstance:
		inst, err := f.db.GetInstance(ctx, *sess.SubjectID)
		if err != nil {
			return "", fmt.Errorf("loading bound instance: %w", err)
		}
		return inst.Token, nil
	case store.VariantComposition:
		comp, err := f.db.GetComposition(ctx, *sess.SubjectID)
		if err != nil {
			return "", fmt.Errorf("loading bound composition: %w", err)
		}
		return comp.Token, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownVariant, sess.Variant)
}

// RunGC periodically sweeps sessions that expired without ever being
// polled to a terminal result. Blocks until the context is cancelled.
func (f *Flow) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := f.db.DeleteExpiredSessions(ctx); err != nil {
				f.logger.Error("session GC failed", "error", err)
			} else if n > 0 {
				f.logger.Info("session GC removed expired sessions", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
