// ABOUTME: Tests for client subject persistence and mapping replacement
// ABOUTME: Covers natural-key convergence and credential stability

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(org *Organization, rel *Release, token string) *Client {
	return &Client{
		OrganizationID:    org.ID,
		ReleaseID:         rel.ID,
		Kind:              ClientKindDevelopment,
		Name:              "viewer",
		Token:             token,
		OAuthClientID:     "oauth-" + token,
		OAuthClientSecret: "secret-" + token,
	}
}

func TestUpsertClient_ConvergesOnNaturalKey(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	org := seedOrg(t, s, "acme")
	rel := seedRelease(t, s, "com.acme.viewer", "1.0.0")

	first, err := s.UpsertClient(ctx, newTestClient(org, rel, "tok-1"))
	require.NoError(t, err)

	// Same natural key with fresh credentials: identity and credentials of
	// the existing client survive, display fields are refreshed.
	replay := newTestClient(org, rel, "tok-2")
	replay.Name = "viewer-renamed"
	replay.RedirectURIs = []string{"http://localhost:1234/cb"}
	second, err := s.UpsertClient(ctx, replay)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "tok-1", second.Token)
	assert.Equal(t, "oauth-tok-1", second.OAuthClientID)
	assert.Equal(t, "viewer-renamed", second.Name)
	assert.Equal(t, []string{"http://localhost:1234/cb"}, second.RedirectURIs)
}

func TestUpsertClient_DifferentKindIsDifferentClient(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	org := seedOrg(t, s, "acme")
	rel := seedRelease(t, s, "com.acme.viewer", "1.0.0")

	dev, err := s.UpsertClient(ctx, newTestClient(org, rel, "tok-1"))
	require.NoError(t, err)

	website := newTestClient(org, rel, "tok-2")
	website.Kind = ClientKindWebsite
	web, err := s.UpsertClient(ctx, website)
	require.NoError(t, err)

	assert.NotEqual(t, dev.ID, web.ID)
}

func TestGetClientByToken(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	org := seedOrg(t, s, "acme")
	rel := seedRelease(t, s, "com.acme.viewer", "1.0.0")
	created, err := s.UpsertClient(ctx, newTestClient(org, rel, "tok-1"))
	require.NoError(t, err)

	got, err := s.GetClientByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = s.GetClientByToken(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplaceMappings(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	org := seedOrg(t, s, "acme")
	viewerRel := seedRelease(t, s, "com.acme.viewer", "1.0.0")
	storeRel := seedRelease(t, s, "com.acme.store", "1.0.0")
	cacheRel := seedRelease(t, s, "com.acme.cache", "1.0.0")

	client, err := s.UpsertClient(ctx, newTestClient(org, viewerRel, "tok-1"))
	require.NoError(t, err)

	storeInst := seedInstance(t, s, storeRel, org, "primary", "t-store")
	cacheInst := seedInstance(t, s, cacheRel, org, "primary", "t-cache")

	require.NoError(t, s.ReplaceMappings(ctx, client.ID, []*InstanceMapping{
		{ClientID: client.ID, Key: "store", InstanceID: storeInst.ID},
		{ClientID: client.ID, Key: "cache", InstanceID: cacheInst.ID},
	}))

	mappings, err := s.ListMappings(ctx, client.ID)
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	assert.Equal(t, "cache", mappings[0].Key)
	assert.Equal(t, "store", mappings[1].Key)

	// Replacement swaps the whole set.
	require.NoError(t, s.ReplaceMappings(ctx, client.ID, []*InstanceMapping{
		{ClientID: client.ID, Key: "store", InstanceID: storeInst.ID},
	}))

	mappings, err = s.ListMappings(ctx, client.ID)
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, "store", mappings[0].Key)
}

func TestReplaceMappings_FailureKeepsOldSet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	org := seedOrg(t, s, "acme")
	viewerRel := seedRelease(t, s, "com.acme.viewer", "1.0.0")
	storeRel := seedRelease(t, s, "com.acme.store", "1.0.0")

	client, err := s.UpsertClient(ctx, newTestClient(org, viewerRel, "tok-1"))
	require.NoError(t, err)
	storeInst := seedInstance(t, s, storeRel, org, "primary", "t-store")

	require.NoError(t, s.ReplaceMappings(ctx, client.ID, []*InstanceMapping{
		{ClientID: client.ID, Key: "store", InstanceID: storeInst.ID},
	}))

	// A mapping referencing a missing instance violates the foreign key;
	// the whole replacement must roll back.
	err = s.ReplaceMappings(ctx, client.ID, []*InstanceMapping{
		{ClientID: client.ID, Key: "store", InstanceID: storeInst.ID},
		{ClientID: client.ID, Key: "cache", InstanceID: "missing-instance"},
	})
	require.Error(t, err)

	mappings, err := s.ListMappings(ctx, client.ID)
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, "store", mappings[0].Key)
}

func TestUpdateClientRequirementsHash(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	org := seedOrg(t, s, "acme")
	rel := seedRelease(t, s, "com.acme.viewer", "1.0.0")
	client, err := s.UpsertClient(ctx, newTestClient(org, rel, "tok-1"))
	require.NoError(t, err)

	require.NoError(t, s.UpdateClientRequirementsHash(ctx, client.ID, "deadbeef"))

	got, err := s.GetClient(ctx, client.ID)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", got.RequirementsHash)
}
