// ABOUTME: Tests for requirement resolution, compatibility check, and compose
// ABOUTME: Uses in-memory fakes for the catalog and mapping store

package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkitektio/linkd/internal/manifest"
	"github.com/arkitektio/linkd/internal/store"
)

// fakeCatalog answers candidate queries from a map keyed by
// "service/organization".
type fakeCatalog struct {
	instances map[string][]*store.ServiceInstance
}

func (f *fakeCatalog) CandidateInstances(_ context.Context, service, org string) ([]*store.ServiceInstance, error) {
	return f.instances[service+"/"+org], nil
}

// fakeMapper records mapping replacements.
type fakeMapper struct {
	replaced map[string][]*store.InstanceMapping
	hashes   map[string]string
	failWith error
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{
		replaced: make(map[string][]*store.InstanceMapping),
		hashes:   make(map[string]string),
	}
}

func (f *fakeMapper) ReplaceMappings(_ context.Context, clientID string, mappings []*store.InstanceMapping) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.replaced[clientID] = mappings
	return nil
}

func (f *fakeMapper) UpdateClientRequirementsHash(_ context.Context, id, hash string) error {
	f.hashes[id] = hash
	return nil
}

func catalogWith(service, org string, instances ...*store.ServiceInstance) *fakeCatalog {
	return &fakeCatalog{instances: map[string][]*store.ServiceInstance{
		service + "/" + org: instances,
	}}
}

func TestResolve_FirstVisibleWins(t *testing.T) {
	alice := UserSnapshot{ID: "alice"}
	hidden := &store.ServiceInstance{ID: "hidden", DeniedUsers: []string{"alice"}}
	open := &store.ServiceInstance{ID: "open"}

	r := New(catalogWith("com.acme.store", "org-1", hidden, open), nil)

	inst, err := r.Resolve(context.Background(),
		manifest.Requirement{Key: "store", Service: "com.acme.store"}, alice, "org-1")
	require.NoError(t, err)
	assert.Equal(t, "open", inst.ID)
}

func TestResolve_NothingVisible(t *testing.T) {
	alice := UserSnapshot{ID: "alice"}
	hidden := &store.ServiceInstance{ID: "hidden", DeniedUsers: []string{"alice"}}

	r := New(catalogWith("com.acme.store", "org-1", hidden), nil)

	_, err := r.Resolve(context.Background(),
		manifest.Requirement{Key: "store", Service: "com.acme.store"}, alice, "org-1")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestCheck_UnregisteredServiceScenario(t *testing.T) {
	// Manifest requires com.acme.store non-optionally but no instance of it
	// exists in the organization: one error naming the service, no warnings.
	m := &manifest.Manifest{
		Identifier: "com.acme.viewer",
		Version:    "1.0.0",
		Requirements: []manifest.Requirement{
			{Key: "store", Service: "com.acme.store", Optional: false},
		},
	}

	r := New(&fakeCatalog{instances: map[string][]*store.ServiceInstance{}}, nil)

	errs, warnings := r.Check(context.Background(), m, UserSnapshot{ID: "alice"}, "org-1")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "com.acme.store")
	assert.Empty(t, warnings)
}

func TestCheck_OptionalMissIsWarning(t *testing.T) {
	m := &manifest.Manifest{
		Identifier: "com.acme.viewer",
		Version:    "1.0.0",
		Requirements: []manifest.Requirement{
			{Key: "cache", Service: "com.acme.cache", Optional: true},
		},
	}

	r := New(&fakeCatalog{instances: map[string][]*store.ServiceInstance{}}, nil)

	errs, warnings := r.Check(context.Background(), m, UserSnapshot{ID: "alice"}, "org-1")
	assert.Empty(t, errs)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "com.acme.cache")
}

func TestCompose_ReplacesMappings(t *testing.T) {
	inst := &store.ServiceInstance{ID: "inst-1"}
	r := New(catalogWith("com.acme.store", "org-1", inst), nil)
	mapper := newFakeMapper()
	client := &store.Client{ID: "client-1"}

	reqs := []manifest.Requirement{{Key: "store", Service: "com.acme.store"}}
	require.NoError(t, r.Compose(context.Background(), mapper, client, reqs, UserSnapshot{ID: "alice"}, "org-1"))

	mappings := mapper.replaced["client-1"]
	require.Len(t, mappings, 1)
	assert.Equal(t, "store", mappings[0].Key)
	assert.Equal(t, "inst-1", mappings[0].InstanceID)
	assert.Equal(t, manifest.RequirementsHash(reqs), mapper.hashes["client-1"])
}

func TestCompose_NonOptionalMissAborts(t *testing.T) {
	inst := &store.ServiceInstance{ID: "inst-1"}
	r := New(catalogWith("com.acme.store", "org-1", inst), nil)
	mapper := newFakeMapper()
	client := &store.Client{ID: "client-1"}

	reqs := []manifest.Requirement{
		{Key: "store", Service: "com.acme.store"},
		{Key: "events", Service: "com.acme.events"}, // unresolvable
	}
	err := r.Compose(context.Background(), mapper, client, reqs, UserSnapshot{ID: "alice"}, "org-1")
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	// Nothing was committed.
	assert.Empty(t, mapper.replaced)
	assert.Empty(t, mapper.hashes)
}

func TestCompose_OptionalMissOmitted(t *testing.T) {
	inst := &store.ServiceInstance{ID: "inst-1"}
	r := New(catalogWith("com.acme.store", "org-1", inst), nil)
	mapper := newFakeMapper()
	client := &store.Client{ID: "client-1"}

	reqs := []manifest.Requirement{
		{Key: "store", Service: "com.acme.store"},
		{Key: "cache", Service: "com.acme.cache", Optional: true},
	}
	require.NoError(t, r.Compose(context.Background(), mapper, client, reqs, UserSnapshot{ID: "alice"}, "org-1"))

	mappings := mapper.replaced["client-1"]
	require.Len(t, mappings, 1)
	assert.Equal(t, "store", mappings[0].Key)
}
