// ABOUTME: Tests for composition subjects and member management
// ABOUTME: Covers natural-key convergence and private key stability

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertComposition_ConvergesOnOrgName(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	org := seedOrg(t, s, "acme")

	first, err := s.UpsertComposition(ctx, &Composition{
		OrganizationID: org.ID,
		Name:           "imaging-stack",
		Token:          "comp-tok-1",
	})
	require.NoError(t, err)

	second, err := s.UpsertComposition(ctx, &Composition{
		OrganizationID: org.ID,
		Name:           "imaging-stack",
		Token:          "comp-tok-2",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "comp-tok-1", second.Token)
}

func TestAddCompositionMember_KeepsExistingCredentials(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	org := seedOrg(t, s, "acme")
	rel := seedRelease(t, s, "com.acme.store", "1.0.0")
	inst := seedInstance(t, s, rel, org, "primary", "t1")

	comp, err := s.UpsertComposition(ctx, &Composition{
		OrganizationID: org.ID,
		Name:           "imaging-stack",
		Token:          "comp-tok-1",
	})
	require.NoError(t, err)

	first, err := s.AddCompositionMember(ctx, &CompositionMember{
		CompositionID: comp.ID,
		Identifier:    "datastore",
		InstanceID:    inst.ID,
		Token:         "member-tok-one",
		PrivateKey:    "PEM-ONE",
	})
	require.NoError(t, err)

	// Re-adding the same identifier keeps the originally minted credentials.
	second, err := s.AddCompositionMember(ctx, &CompositionMember{
		CompositionID: comp.ID,
		Identifier:    "datastore",
		InstanceID:    inst.ID,
		Token:         "member-tok-two",
		PrivateKey:    "PEM-TWO",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "member-tok-one", second.Token)
	assert.Equal(t, "PEM-ONE", second.PrivateKey)

	members, err := s.ListCompositionMembers(ctx, comp.ID)
	require.NoError(t, err)
	assert.Len(t, members, 1)
	assert.Equal(t, "datastore", members[0].Identifier)
}

func TestAddCompositionMember_DistinctIdentifiersSameService(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	org := seedOrg(t, s, "acme")
	rel := seedRelease(t, s, "com.acme.store", "1.0.0")
	primary := seedInstance(t, s, rel, org, "primary", "t1")
	replica := seedInstance(t, s, rel, org, "replica", "t2")

	comp, err := s.UpsertComposition(ctx, &Composition{
		OrganizationID: org.ID,
		Name:           "imaging-stack",
		Token:          "comp-tok-1",
	})
	require.NoError(t, err)

	_, err = s.AddCompositionMember(ctx, &CompositionMember{
		CompositionID: comp.ID, Identifier: "store", InstanceID: primary.ID,
	})
	require.NoError(t, err)
	_, err = s.AddCompositionMember(ctx, &CompositionMember{
		CompositionID: comp.ID, Identifier: "store_replica", InstanceID: replica.ID,
	})
	require.NoError(t, err)

	members, err := s.ListCompositionMembers(ctx, comp.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestGetCompositionByToken(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	org := seedOrg(t, s, "acme")
	comp, err := s.UpsertComposition(ctx, &Composition{
		OrganizationID: org.ID,
		Name:           "imaging-stack",
		Token:          "comp-tok-1",
	})
	require.NoError(t, err)

	got, err := s.GetCompositionByToken(ctx, "comp-tok-1")
	require.NoError(t, err)
	assert.Equal(t, comp.ID, got.ID)

	_, err = s.GetCompositionByToken(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
