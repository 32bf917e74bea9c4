// ABOUTME: Claim renderer producing configuration documents for subjects
// ABOUTME: Reads the catalog, never writes; one document per claim request

package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arkitektio/linkd/internal/store"
)

// ErrUnresolvedRequirement is returned when a claim names a requirement key
// the subject has no mapping for.
var ErrUnresolvedRequirement = errors.New("requirement has no mapped instance")

// Document is the rendered configuration claim: one section per
// requirement key plus the self and auth sections.
type Document map[string]any

// Reader is the read-only slice of the store the renderer needs.
type Reader interface {
	GetRelease(ctx context.Context, id string) (*store.Release, error)
	GetService(ctx context.Context, id string) (*store.Service, error)
	GetInstance(ctx context.Context, id string) (*store.ServiceInstance, error)
	ListAliases(ctx context.Context, instanceID string) ([]*store.Alias, error)
	ListMappings(ctx context.Context, clientID string) ([]*store.InstanceMapping, error)
	ListCompositionMembers(ctx context.Context, compositionID string) ([]*store.CompositionMember, error)
}

// TailnetClaims is the tailnet section surfaced inside composition auth
// claims. Populated from config when the deployment runs a coordination
// server.
type TailnetClaims struct {
	CoordinationURL string
	PreauthKey      string
}

// Renderer renders claim documents. It holds no per-request state, never
// writes to the store, and never mints credentials: two renders of the same
// subject and context produce the same document.
type Renderer struct {
	reader   Reader
	backends *BackendRegistry
	tailnet  TailnetClaims
	logger   *slog.Logger
}

// NewRenderer creates a renderer over the given catalog reader.
func NewRenderer(reader Reader, backends *BackendRegistry, tailnet TailnetClaims, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{
		reader:   reader,
		backends: backends,
		tailnet:  tailnet,
		logger:   logger.With("component", "claims"),
	}
}

// RenderClient renders the configuration document for a client subject:
// the self claim, the auth claim, and one instance claim per mapped
// requirement key. When the context names specific requirement keys, only
// those are rendered, and a named key without a mapping is fatal.
func (r *Renderer) RenderClient(ctx context.Context, client *store.Client, lc *LinkingContext) (Document, error) {
	doc := Document{}

	name := client.Name
	if lc.DeploymentName != "" {
		name = lc.DeploymentName
	}
	doc["self"] = map[string]any{
		"deployment_name": name,
		"client_kind":     string(client.Kind),
	}

	rel, err := r.reader.GetRelease(ctx, client.ReleaseID)
	if err != nil {
		return nil, fmt.Errorf("loading client release: %w", err)
	}

	base := lc.BaseURL()
	authClaim := map[string]any{
		"client_id":  client.OAuthClientID,
		"scopes":     rel.Scopes,
		"claim_url":  base + "/link/claim",
		"report_url": base + "/link/report",
	}
	if !client.Public {
		authClaim["client_secret"] = client.OAuthClientSecret
	}
	doc["auth"] = authClaim

	mappings, err := r.reader.ListMappings(ctx, client.ID)
	if err != nil {
		return nil, fmt.Errorf("loading mappings: %w", err)
	}
	byKey := make(map[string]*store.InstanceMapping, len(mappings))
	for _, m := range mappings {
		byKey[m.Key] = m
	}

	keys := lc.Requirements
	if len(keys) == 0 {
		keys = make([]string, 0, len(mappings))
		for _, m := range mappings {
			keys = append(keys, m.Key)
		}
	}

	for _, key := range keys {
		mapping, ok := byKey[key]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnresolvedRequirement, key)
		}
		claim, err := r.renderInstance(ctx, mapping.InstanceID, lc)
		if err != nil {
			return nil, fmt.Errorf("rendering claim for %q: %w", key, err)
		}
		doc[key] = claim
	}

	r.logger.Debug("rendered client document", "client_id", client.ID, "keys", len(keys))
	return doc, nil
}

// renderInstance renders one instance claim: its service identity plus the
// reachability fields from the first alias a backend can serve.
func (r *Renderer) renderInstance(ctx context.Context, instanceID string, lc *LinkingContext) (map[string]any, error) {
	inst, err := r.reader.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	rel, err := r.reader.GetRelease(ctx, inst.ReleaseID)
	if err != nil {
		return nil, err
	}
	svc, err := r.reader.GetService(ctx, rel.ServiceID)
	if err != nil {
		return nil, err
	}

	aliases, err := r.reader.ListAliases(ctx, inst.ID)
	if err != nil {
		return nil, err
	}

	for _, alias := range aliases {
		backend, err := r.backends.For(alias.Kind)
		if err != nil {
			continue
		}
		claim, err := backend.Render(alias, lc)
		if err != nil {
			return nil, err
		}
		claim["__service"] = svc.Identifier
		claim["__version"] = rel.Version
		claim["__instance"] = inst.Identifier
		return claim, nil
	}
	return nil, fmt.Errorf("instance %s has no renderable alias", inst.ID)
}

// RenderComposition renders the document for a composition subject: self
// and auth sections plus one member section per composed instance, keyed by
// the member's persisted identifier and carrying the credentials minted
// when the composition was accepted.
func (r *Renderer) RenderComposition(ctx context.Context, comp *store.Composition, lc *LinkingContext) (Document, error) {
	doc := Document{}
	doc["self"] = map[string]any{"name": comp.Name}

	base := lc.BaseURL()
	authClaim := map[string]any{
		"jwks_url": base + "/.well-known/jwks.json",
	}
	if r.tailnet.CoordinationURL != "" {
		authClaim["coordination_url"] = r.tailnet.CoordinationURL
		if r.tailnet.PreauthKey != "" {
			authClaim["preauth_key"] = r.tailnet.PreauthKey
		}
	}
	doc["auth"] = authClaim

	members, err := r.reader.ListCompositionMembers(ctx, comp.ID)
	if err != nil {
		return nil, fmt.Errorf("loading members: %w", err)
	}

	for _, member := range members {
		inst, err := r.reader.GetInstance(ctx, member.InstanceID)
		if err != nil {
			return nil, fmt.Errorf("loading member instance: %w", err)
		}
		rel, err := r.reader.GetRelease(ctx, inst.ReleaseID)
		if err != nil {
			return nil, err
		}
		svc, err := r.reader.GetService(ctx, rel.ServiceID)
		if err != nil {
			return nil, err
		}

		doc[member.Identifier] = map[string]any{
			"service":     svc.Identifier,
			"instance":    inst.Identifier,
			"version":     rel.Version,
			"private_key": member.PrivateKey,
			"token":       member.Token,
		}
	}

	r.logger.Debug("rendered composition document", "composition_id", comp.ID, "members", len(members))
	return doc, nil
}
