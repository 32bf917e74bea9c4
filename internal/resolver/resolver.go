// ABOUTME: Requirement resolver matching manifests against visible instances
// ABOUTME: Powers the compatibility dry run and auto-compose materialization

package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arkitektio/linkd/internal/manifest"
	"github.com/arkitektio/linkd/internal/store"
)

// ErrInstanceNotFound is returned when no visible instance satisfies a
// non-optional requirement.
var ErrInstanceNotFound = errors.New("no visible instance for requirement")

// Catalog is the slice of the store the resolver reads from.
type Catalog interface {
	CandidateInstances(ctx context.Context, serviceIdentifier, organizationID string) ([]*store.ServiceInstance, error)
}

// Mapper is the slice of the store auto-compose writes to.
type Mapper interface {
	ReplaceMappings(ctx context.Context, clientID string, mappings []*store.InstanceMapping) error
	UpdateClientRequirementsHash(ctx context.Context, id, hash string) error
}

// Resolver matches declared requirements against the instance catalog under
// the ACL predicate.
type Resolver struct {
	catalog Catalog
	logger  *slog.Logger
}

// New creates a resolver over the given catalog.
func New(catalog Catalog, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		catalog: catalog,
		logger:  logger.With("component", "resolver"),
	}
}

// Resolve finds a visible instance for one requirement inside the
// organization. The first visible candidate wins; candidate order follows
// catalog creation order. Returns ErrInstanceNotFound when nothing is
// visible, regardless of the requirement's optional flag; the caller decides
// whether that is fatal.
func (r *Resolver) Resolve(ctx context.Context, req manifest.Requirement, user UserSnapshot, organizationID string) (*store.ServiceInstance, error) {
	candidates, err := r.catalog.CandidateInstances(ctx, req.Service, organizationID)
	if err != nil {
		return nil, fmt.Errorf("loading candidates for %q: %w", req.Service, err)
	}

	for _, inst := range candidates {
		if Visible(inst, user) {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("%w: service %q (key %q)", ErrInstanceNotFound, req.Service, req.Key)
}

// Check is the compatibility dry run: it resolves every requirement and
// accumulates the outcome without ever failing. Non-optional misses land in
// errors, optional misses in warnings.
func (r *Resolver) Check(ctx context.Context, m *manifest.Manifest, user UserSnapshot, organizationID string) (errs []string, warnings []string) {
	for _, req := range m.Requirements {
		_, err := r.Resolve(ctx, req, user, organizationID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrInstanceNotFound) {
			errs = append(errs, err.Error())
			continue
		}
		msg := fmt.Sprintf("no instance of %q is registered for requirement %q", req.Service, req.Key)
		if req.Optional {
			warnings = append(warnings, msg)
			continue
		}
		errs = append(errs, msg)
	}
	return errs, warnings
}

// Compose resolves every requirement of the client's manifest and replaces
// the client's full mapping set with the result. A non-optional miss aborts
// before anything is written; no partial mapping set is ever committed.
// Optional misses are logged as warnings and omitted from the set.
//
// The requirement hash is recomputed and stored unconditionally; it exists
// for change detection by observers, never as a short-circuit.
func (r *Resolver) Compose(ctx context.Context, mapper Mapper, client *store.Client, reqs []manifest.Requirement, user UserSnapshot, organizationID string) error {
	var mappings []*store.InstanceMapping
	for _, req := range reqs {
		inst, err := r.Resolve(ctx, req, user, organizationID)
		if err != nil {
			if errors.Is(err, ErrInstanceNotFound) && req.Optional {
				r.logger.Warn("optional requirement unresolved",
					"client_id", client.ID, "service", req.Service, "key", req.Key)
				continue
			}
			return err
		}
		mappings = append(mappings, &store.InstanceMapping{
			ClientID:   client.ID,
			Key:        req.Key,
			InstanceID: inst.ID,
		})
		r.logger.Debug("resolved requirement",
			"client_id", client.ID, "key", req.Key, "instance_id", inst.ID)
	}

	if err := mapper.ReplaceMappings(ctx, client.ID, mappings); err != nil {
		return fmt.Errorf("replacing mappings: %w", err)
	}
	if err := mapper.UpdateClientRequirementsHash(ctx, client.ID, manifest.RequirementsHash(reqs)); err != nil {
		return fmt.Errorf("updating requirements hash: %w", err)
	}

	r.logger.Info("composed client mappings", "client_id", client.ID, "count", len(mappings))
	return nil
}
