// ABOUTME: Per-variant subject resolvers: client, instance, composition
// ABOUTME: Each materializes its subject idempotently on the natural key

package linking

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
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

// tokenAttempts bounds retries when a freshly generated bearer token
// collides with an existing one.
const tokenAttempts = 3

// ClientResolver materializes client subjects and auto-composes their
// requirement mappings in the same transaction.
type ClientResolver struct {
	logger *slog.Logger
}

// NewClientResolver creates the client-variant strategy.
func NewClientResolver(logger *slog.Logger) *ClientResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientResolver{logger: logger.With("component", "linking.client")}
}

func (r *ClientResolver) Variant() store.SessionVariant { return store.VariantClient }

func (r *ClientResolver) Resolve(ctx context.Context, tx *store.SQLiteStore, req *ResolveRequest) (*Subject, error) {
	rel, err := upsertRelease(ctx, tx, req.Manifest)
	if err != nil {
		return nil, err
	}

	var client *store.Client
	for attempt := 0; attempt < tokenAttempts; attempt++ {
		token, err := codes.NewBearerToken()
		if err != nil {
			return nil, err
		}
		secret, err := codes.NewClientSecret()
		if err != nil {
			return nil, err
		}

		client, err = tx.UpsertClient(ctx, &store.Client{
			OrganizationID:    req.Organization.ID,
			ReleaseID:         rel.ID,
			DeviceID:          fingerprintPtr(req.Session),
			StewardID:         &req.User.ID,
			Kind:              req.Session.Kind,
			Public:            req.Session.Public,
			Name:              req.Manifest.String(),
			Token:             token,
			OAuthClientID:     uuid.New().String(),
			OAuthClientSecret: secret,
			RedirectURIs:      req.Session.RedirectURIs,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrTokenExists) {
			return nil, fmt.Errorf("materializing client: %w", err)
		}
		client = nil
	}
	if client == nil {
		return nil, store.ErrTokenExists
	}

	// Mappings are resolved against the transaction's view so the grant and
	// its mapping set commit together or not at all.
	res := resolver.New(tx, r.logger)
	snapshot := resolver.UserSnapshot{ID: req.User.ID, Groups: req.UserGroups}
	if err := res.Compose(ctx, tx, client, req.Manifest.Requirements, snapshot, req.Organization.ID); err != nil {
		return nil, err
	}

	return &Subject{ID: client.ID, Token: client.Token, Variant: store.VariantClient}, nil
}

// InstanceResolver materializes instance subjects, merges the manifest's
// roles and scopes, and upserts the staged aliases.
type InstanceResolver struct {
	logger *slog.Logger
}

// NewInstanceResolver creates the instance-variant strategy.
func NewInstanceResolver(logger *slog.Logger) *InstanceResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &InstanceResolver{logger: logger.With("component", "linking.instance")}
}

func (r *InstanceResolver) Variant() store.SessionVariant { return store.VariantInstance }

func (r *InstanceResolver) Resolve(ctx context.Context, tx *store.SQLiteStore, req *ResolveRequest) (*Subject, error) {
	rel, err := upsertRelease(ctx, tx, req.Manifest)
	if err != nil {
		return nil, err
	}

	// Manifests do not carry an instance identifier; the device fingerprint
	// distinguishes deployments on different machines, and fingerprint-less
	// starts converge on one instance per release and organization.
	identifier := "default"
	if req.Session.DeviceFingerprint != "" {
		identifier = req.Session.DeviceFingerprint
	}

	var inst *store.ServiceInstance
	for attempt := 0; attempt < tokenAttempts; attempt++ {
		token, err := codes.NewBearerToken()
		if err != nil {
			return nil, err
		}

		inst, err = tx.UpsertInstance(ctx, &store.ServiceInstance{
			ReleaseID:      rel.ID,
			Identifier:     identifier,
			OrganizationID: req.Organization.ID,
			DeviceID:       fingerprintPtr(req.Session),
			StewardID:      &req.User.ID,
			Token:          token,
			Functional:     true,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrTokenExists) {
			return nil, fmt.Errorf("materializing instance: %w", err)
		}
		inst = nil
	}
	if inst == nil {
		return nil, store.ErrTokenExists
	}

	for _, role := range req.Manifest.Roles {
		if err := tx.AddInstanceRole(ctx, inst.ID, role); err != nil {
			return nil, err
		}
	}
	for _, scope := range req.Manifest.Scopes {
		if err := tx.AddInstanceScope(ctx, inst.ID, scope); err != nil {
			return nil, err
		}
	}

	for _, staged := range req.Session.StagedAliases {
		_, err := tx.UpsertAlias(ctx, &store.Alias{
			InstanceID: inst.ID,
			Kind:       staged.Kind,
			Layer:      staged.Layer,
			Host:       staged.Host,
			Port:       staged.Port,
			Path:       staged.Path,
			SSL:        staged.SSL,
			Challenge:  staged.Challenge,
		})
		if err != nil {
			return nil, fmt.Errorf("materializing staged alias: %w", err)
		}
	}

	return &Subject{ID: inst.ID, Token: inst.Token, Variant: store.VariantInstance}, nil
}

// MemberTokenTTL is the lifetime of composition member tokens, minted once
// when the composition is accepted.
const MemberTokenTTL = 24 * time.Hour

// CompositionResolver materializes composition subjects: a named group
// whose members are the instances resolved for each requirement, each with
// its own signing key and a member token minted at accept. Claims only read
// the persisted credentials, so rendering the same composition twice yields
// the same document.
type CompositionResolver struct {
	signer *auth.JWTVerifier
	logger *slog.Logger
}

// NewCompositionResolver creates the composition-variant strategy. signer
// mints member tokens during accept.
func NewCompositionResolver(logger *slog.Logger, signer *auth.JWTVerifier) *CompositionResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompositionResolver{
		signer: signer,
		logger: logger.With("component", "linking.composition"),
	}
}

func (r *CompositionResolver) Variant() store.SessionVariant { return store.VariantComposition }

func (r *CompositionResolver) Resolve(ctx context.Context, tx *store.SQLiteStore, req *ResolveRequest) (*Subject, error) {
	if r.signer == nil {
		return nil, fmt.Errorf("composition linking needs a token signer")
	}

	var comp *store.Composition
	for attempt := 0; attempt < tokenAttempts; attempt++ {
		token, err := codes.NewBearerToken()
		if err != nil {
			return nil, err
		}

		comp, err = tx.UpsertComposition(ctx, &store.Composition{
			OrganizationID: req.Organization.ID,
			Name:           req.Manifest.Identifier,
			Token:          token,
			Functional:     true,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrTokenExists) {
			return nil, fmt.Errorf("materializing composition: %w", err)
		}
		comp = nil
	}
	if comp == nil {
		return nil, store.ErrTokenExists
	}

	res := resolver.New(tx, r.logger)
	snapshot := resolver.UserSnapshot{ID: req.User.ID, Groups: req.UserGroups}

	for _, requirement := range req.Manifest.Requirements {
		inst, err := res.Resolve(ctx, requirement, snapshot, req.Organization.ID)
		if err != nil {
			if errors.Is(err, resolver.ErrInstanceNotFound) && requirement.Optional {
				r.logger.Warn("optional member unresolved",
					"composition_id", comp.ID, "service", requirement.Service, "key", requirement.Key)
				continue
			}
			return nil, err
		}

		key, err := newMemberKey()
		if err != nil {
			return nil, err
		}
		memberToken, err := r.signer.Generate(&auth.Identity{Sub: inst.ID}, MemberTokenTTL)
		if err != nil {
			return nil, fmt.Errorf("minting member token: %w", err)
		}
		_, err = tx.AddCompositionMember(ctx, &store.CompositionMember{
			CompositionID: comp.ID,
			Identifier:    requirement.Key,
			InstanceID:    inst.ID,
			Token:         memberToken,
			PrivateKey:    key,
		})
		if err != nil {
			return nil, fmt.Errorf("adding composition member: %w", err)
		}
	}

	return &Subject{ID: comp.ID, Token: comp.Token, Variant: store.VariantComposition}, nil
}

// upsertRelease converges the manifest's service and release rows.
func upsertRelease(ctx context.Context, tx *store.SQLiteStore, m *manifest.Manifest) (*store.Release, error) {
	svc, err := tx.UpsertService(ctx, &store.Service{
		Identifier: m.Identifier,
		Name:       m.Description,
		Logo:       m.Logo,
	})
	if err != nil {
		return nil, fmt.Errorf("upserting service: %w", err)
	}

	rel, err := tx.UpsertRelease(ctx, &store.Release{
		ServiceID: svc.ID,
		Version:   m.Version,
		Scopes:    m.Scopes,
	})
	if err != nil {
		return nil, fmt.Errorf("upserting release: %w", err)
	}
	return rel, nil
}

func fingerprintPtr(sess *store.LinkingSession) *string {
	if sess.DeviceFingerprint == "" {
		return nil
	}
	fp := sess.DeviceFingerprint
	return &fp
}

// newMemberKey generates a fresh ed25519 signing key for a composition
// member, PEM-encoded in PKCS#8 form.
func newMemberKey() (string, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generating member key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("encoding member key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}
