// ABOUTME: Tests for the linking session state machine
// ABOUTME: Covers start, accept idempotency, decline, and poll semantics

package linking

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkitektio/linkd/internal/auth"
	"github.com/arkitektio/linkd/internal/manifest"
	"github.com/arkitektio/linkd/internal/store"
)

func setupFlow(t *testing.T) (*Flow, *store.SQLiteStore) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "linkd.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	flow := NewFlow(s, nil,
		NewClientResolver(nil),
		NewInstanceResolver(nil),
		NewCompositionResolver(nil, auth.NewJWTVerifier([]byte("test-secret"))),
	)
	return flow, s
}

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Identifier: "com.acme.viewer",
		Version:    "1.2.0",
		Scopes:     []string{"read"},
		Requirements: []manifest.Requirement{
			{Key: "datastore", Service: "com.acme.store"},
		},
	}
}

func alice() *auth.Identity {
	return &auth.Identity{Sub: "alice", Name: "Alice", Groups: []string{"team"}}
}

// seedCatalog registers an instance of com.acme.store inside the given
// organization so client requirements resolve.
func seedCatalog(t *testing.T, s *store.SQLiteStore, orgIdentifier string) *store.Organization {
	t.Helper()
	ctx := context.Background()

	org, err := s.UpsertOrganization(ctx, &store.Organization{Identifier: orgIdentifier})
	require.NoError(t, err)

	svc, err := s.UpsertService(ctx, &store.Service{Identifier: "com.acme.store"})
	require.NoError(t, err)
	rel, err := s.UpsertRelease(ctx, &store.Release{ServiceID: svc.ID, Version: "3.0.0"})
	require.NoError(t, err)
	_, err = s.UpsertInstance(ctx, &store.ServiceInstance{
		ReleaseID:      rel.ID,
		Identifier:     "primary",
		OrganizationID: org.ID,
		Token:          "store-token",
		Functional:     true,
	})
	require.NoError(t, err)
	return org
}

func TestStart_CreatesPendingSession(t *testing.T) {
	flow, _ := setupFlow(t)
	ctx := context.Background()

	sess, err := flow.Start(ctx, StartOptions{
		Variant:  store.VariantClient,
		Manifest: testManifest(),
		Kind:     store.ClientKindDesktop,
	})
	require.NoError(t, err)

	assert.Len(t, sess.Code, 26)
	assert.NotEqual(t, sess.Code, sess.PollCode)
	assert.Equal(t, store.SessionPending, sess.Status(time.Now()))
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), sess.ExpiresAt, 5*time.Second)
}

func TestStart_RejectsInvalidManifest(t *testing.T) {
	flow, _ := setupFlow(t)

	_, err := flow.Start(context.Background(), StartOptions{
		Variant:  store.VariantClient,
		Manifest: &manifest.Manifest{Version: "1.0.0"},
	})
	require.ErrorIs(t, err, manifest.ErrInvalidManifest)
}

func TestStart_RejectsUnknownVariant(t *testing.T) {
	flow, _ := setupFlow(t)

	_, err := flow.Start(context.Background(), StartOptions{
		Variant:  store.SessionVariant("gadget"),
		Manifest: testManifest(),
	})
	require.ErrorIs(t, err, ErrUnknownVariant)
}

func TestPoll_PendingThenGranted(t *testing.T) {
	flow, s := setupFlow(t)
	ctx := context.Background()
	seedCatalog(t, s, "acme")

	sess, err := flow.Start(ctx, StartOptions{
		Variant:  store.VariantClient,
		Manifest: testManifest(),
		Kind:     store.ClientKindDevelopment,
	})
	require.NoError(t, err)

	res, err := flow.Poll(ctx, sess.PollCode)
	require.NoError(t, err)
	assert.Equal(t, store.SessionPending, res.Status)
	assert.Empty(t, res.Token)

	subject, err := flow.Accept(ctx, sess.ID, "acme", alice())
	require.NoError(t, err)
	require.NotEmpty(t, subject.Token)

	res, err = flow.Poll(ctx, sess.PollCode)
	require.NoError(t, err)
	assert.Equal(t, store.SessionGranted, res.Status)
	assert.Equal(t, subject.Token, res.Token)

	// A granted session survives its poll; the device may re-read the result.
	res, err = flow.Poll(ctx, sess.PollCode)
	require.NoError(t, err)
	assert.Equal(t, store.SessionGranted, res.Status)
}

func TestPoll_DeniedIsDeliveredOnce(t *testing.T) {
	flow, _ := setupFlow(t)
	ctx := context.Background()

	sess, err := flow.Start(ctx, StartOptions{Variant: store.VariantClient, Manifest: testManifest()})
	require.NoError(t, err)

	require.NoError(t, flow.Decline(ctx, sess.ID))

	res, err := flow.Poll(ctx, sess.PollCode)
	require.NoError(t, err)
	assert.Equal(t, store.SessionDenied, res.Status)

	_, err = flow.Poll(ctx, sess.PollCode)
	require.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestPoll_ExpiredIsDeliveredOnce(t *testing.T) {
	flow, _ := setupFlow(t)
	ctx := context.Background()

	sess, err := flow.Start(ctx, StartOptions{
		Variant:  store.VariantClient,
		Manifest: testManifest(),
		TTL:      time.Millisecond,
	})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	res, err := flow.Poll(ctx, sess.PollCode)
	require.NoError(t, err)
	assert.Equal(t, store.SessionExpired, res.Status)

	_, err = flow.Poll(ctx, sess.PollCode)
	require.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestAccept_AlreadyValidated(t *testing.T) {
	flow, s := setupFlow(t)
	ctx := context.Background()
	seedCatalog(t, s, "acme")

	sess, err := flow.Start(ctx, StartOptions{Variant: store.VariantClient, Manifest: testManifest()})
	require.NoError(t, err)

	_, err = flow.Accept(ctx, sess.ID, "acme", alice())
	require.NoError(t, err)

	_, err = flow.Accept(ctx, sess.ID, "acme", alice())
	require.ErrorIs(t, err, ErrAlreadyValidated)
}

func TestAccept_ConvergesOnNaturalKey(t *testing.T) {
	flow, s := setupFlow(t)
	ctx := context.Background()
	seedCatalog(t, s, "acme")

	// Two separate sessions for the same manifest, kind, and user resolve to
	// the same client, and the first bearer token survives.
	first, err := flow.Start(ctx, StartOptions{
		Variant: store.VariantClient, Manifest: testManifest(), Kind: store.ClientKindWebsite,
	})
	require.NoError(t, err)
	second, err := flow.Start(ctx, StartOptions{
		Variant: store.VariantClient, Manifest: testManifest(), Kind: store.ClientKindWebsite,
	})
	require.NoError(t, err)

	subjectA, err := flow.Accept(ctx, first.ID, "acme", alice())
	require.NoError(t, err)
	subjectB, err := flow.Accept(ctx, second.ID, "acme", alice())
	require.NoError(t, err)

	assert.Equal(t, subjectA.ID, subjectB.ID)
	assert.Equal(t, subjectA.Token, subjectB.Token)
}

func TestAccept_AbortsOnUnresolvableRequirement(t *testing.T) {
	flow, s := setupFlow(t)
	ctx := context.Background()

	// No catalog seeded: the non-optional datastore requirement cannot
	// resolve, so nothing is materialized and the session stays pending.
	sess, err := flow.Start(ctx, StartOptions{Variant: store.VariantClient, Manifest: testManifest()})
	require.NoError(t, err)

	_, err = flow.Accept(ctx, sess.ID, "acme", alice())
	require.Error(t, err)

	reloaded, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionPending, reloaded.Status(time.Now()))

	// The abort rolled back subject materialization entirely.
	_, err = s.GetOrganizationByIdentifier(ctx, "acme")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAccept_ClientMappingsComposed(t *testing.T) {
	flow, s := setupFlow(t)
	ctx := context.Background()
	seedCatalog(t, s, "acme")

	sess, err := flow.Start(ctx, StartOptions{Variant: store.VariantClient, Manifest: testManifest()})
	require.NoError(t, err)

	subject, err := flow.Accept(ctx, sess.ID, "acme", alice())
	require.NoError(t, err)

	mappings, err := s.ListMappings(ctx, subject.ID)
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, "datastore", mappings[0].Key)

	client, err := s.GetClient(ctx, subject.ID)
	require.NoError(t, err)
	assert.Equal(t, manifest.RequirementsHash(testManifest().Requirements), client.RequirementsHash)
	assert.NotEmpty(t, client.OAuthClientID)
	assert.NotEmpty(t, client.OAuthClientSecret)
}

func TestAccept_InstanceVariant(t *testing.T) {
	flow, s := setupFlow(t)
	ctx := context.Background()

	m := &manifest.Manifest{
		Identifier: "com.acme.store",
		Version:    "3.0.0",
		Scopes:     []string{"read", "write"},
		Roles:      []string{"storage"},
	}
	sess, err := flow.Start(ctx, StartOptions{
		Variant:  store.VariantInstance,
		Manifest: m,
		StagedAliases: []store.StagedAlias{
			{Kind: store.AliasKindAbsolute, Host: "store.acme.io", Port: 443, SSL: true},
		},
	})
	require.NoError(t, err)

	subject, err := flow.Accept(ctx, sess.ID, "acme", alice())
	require.NoError(t, err)

	inst, err := s.GetInstance(ctx, subject.ID)
	require.NoError(t, err)
	assert.Equal(t, "default", inst.Identifier)
	assert.True(t, inst.Functional)

	roles, err := s.ListInstanceRoles(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"storage"}, roles)

	scopes, err := s.ListInstanceScopes(ctx, inst.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"read", "write"}, scopes)

	aliases, err := s.ListAliases(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, aliases, 1)
	assert.Equal(t, "store.acme.io", aliases[0].Host)

	// The new instance is now visible to the requirement resolver.
	candidates, err := s.CandidateInstances(ctx, "com.acme.store", inst.OrganizationID)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
}

func TestAccept_InstanceIdentifierFromDeviceKey(t *testing.T) {
	flow, s := setupFlow(t)
	ctx := context.Background()

	m := &manifest.Manifest{Identifier: "com.acme.store", Version: "3.0.0"}
	sess, err := flow.Start(ctx, StartOptions{
		Variant:         store.VariantInstance,
		Manifest:        m,
		DevicePublicKey: testPublicKey,
	})
	require.NoError(t, err)
	require.NotEmpty(t, sess.DeviceFingerprint)

	subject, err := flow.Accept(ctx, sess.ID, "acme", alice())
	require.NoError(t, err)

	inst, err := s.GetInstance(ctx, subject.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.DeviceFingerprint, inst.Identifier)
	require.NotNil(t, inst.DeviceID)
	assert.Equal(t, sess.DeviceFingerprint, *inst.DeviceID)
}

func TestAccept_CompositionVariant(t *testing.T) {
	flow, s := setupFlow(t)
	ctx := context.Background()
	seedCatalog(t, s, "acme")

	m := &manifest.Manifest{
		Identifier: "com.acme.stack",
		Version:    "1.0.0",
		Requirements: []manifest.Requirement{
			{Key: "datastore", Service: "com.acme.store"},
			{Key: "cache", Service: "com.acme.cache", Optional: true},
		},
	}
	sess, err := flow.Start(ctx, StartOptions{Variant: store.VariantComposition, Manifest: m})
	require.NoError(t, err)

	subject, err := flow.Accept(ctx, sess.ID, "acme", alice())
	require.NoError(t, err)

	comp, err := s.GetComposition(ctx, subject.ID)
	require.NoError(t, err)
	assert.Equal(t, "com.acme.stack", comp.Name)

	// The optional cache member is absent; the datastore member carries a
	// PEM signing key and a bearer token minted at accept time.
	members, err := s.ListCompositionMembers(ctx, comp.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "datastore", members[0].Identifier)
	assert.Contains(t, members[0].PrivateKey, "PRIVATE KEY")

	verifier := auth.NewJWTVerifier([]byte("test-secret"))
	ident, err := verifier.Verify(members[0].Token)
	require.NoError(t, err)
	assert.Equal(t, members[0].InstanceID, ident.Sub)
}

func TestAccept_CompositionCredentialsStable(t *testing.T) {
	flow, s := setupFlow(t)
	ctx := context.Background()
	seedCatalog(t, s, "acme")

	m := &manifest.Manifest{
		Identifier: "com.acme.stack",
		Version:    "1.0.0",
		Requirements: []manifest.Requirement{
			{Key: "datastore", Service: "com.acme.store"},
		},
	}

	first, err := flow.Start(ctx, StartOptions{Variant: store.VariantComposition, Manifest: m})
	require.NoError(t, err)
	subjectA, err := flow.Accept(ctx, first.ID, "acme", alice())
	require.NoError(t, err)

	membersA, err := s.ListCompositionMembers(ctx, subjectA.ID)
	require.NoError(t, err)
	require.Len(t, membersA, 1)

	// A second session for the same composition converges on the same
	// member row and keeps the original credentials.
	second, err := flow.Start(ctx, StartOptions{Variant: store.VariantComposition, Manifest: m})
	require.NoError(t, err)
	subjectB, err := flow.Accept(ctx, second.ID, "acme", alice())
	require.NoError(t, err)
	assert.Equal(t, subjectA.ID, subjectB.ID)

	membersB, err := s.ListCompositionMembers(ctx, subjectB.ID)
	require.NoError(t, err)
	require.Len(t, membersB, 1)
	assert.Equal(t, membersA[0].ID, membersB[0].ID)
	assert.Equal(t, membersA[0].Token, membersB[0].Token)
	assert.Equal(t, membersA[0].PrivateKey, membersB[0].PrivateKey)
}

func TestCheck_Compatible(t *testing.T) {
	flow, s := setupFlow(t)
	ctx := context.Background()
	seedCatalog(t, s, "acme")

	sess, err := flow.Start(ctx, StartOptions{Variant: store.VariantClient, Manifest: testManifest()})
	require.NoError(t, err)

	errs, warnings, err := flow.Check(ctx, sess.ID, "acme", alice())
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Empty(t, warnings)

	// The dry run materialized nothing.
	reloaded, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionPending, reloaded.Status(time.Now()))
}

func TestCheck_UnresolvableRequirement(t *testing.T) {
	flow, s := setupFlow(t)
	ctx := context.Background()
	seedCatalog(t, s, "acme")

	m := &manifest.Manifest{
		Identifier: "com.acme.viewer",
		Version:    "1.0.0",
		Requirements: []manifest.Requirement{
			{Key: "datastore", Service: "com.acme.store"},
			{Key: "mailer", Service: "com.acme.mail"},
		},
	}
	sess, err := flow.Start(ctx, StartOptions{Variant: store.VariantClient, Manifest: m})
	require.NoError(t, err)

	errs, warnings, err := flow.Check(ctx, sess.ID, "acme", alice())
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "com.acme.mail")
	assert.Empty(t, warnings)
}

func TestCheck_UnknownOrganization(t *testing.T) {
	flow, _ := setupFlow(t)
	ctx := context.Background()

	sess, err := flow.Start(ctx, StartOptions{Variant: store.VariantClient, Manifest: testManifest()})
	require.NoError(t, err)

	errs, _, err := flow.Check(ctx, sess.ID, "nowhere", alice())
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "nowhere")
}

func TestAccept_ExpiredSessionRefused(t *testing.T) {
	flow, s := setupFlow(t)
	ctx := context.Background()
	seedCatalog(t, s, "acme")

	sess, err := flow.Start(ctx, StartOptions{
		Variant:  store.VariantClient,
		Manifest: testManifest(),
		TTL:      time.Millisecond,
	})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = flow.Accept(ctx, sess.ID, "acme", alice())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestDecline_UnknownSession(t *testing.T) {
	flow, _ := setupFlow(t)

	err := flow.Decline(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrSessionNotFound)
}

// Generated for tests only.
const testPublicKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIGblJ2N8M+CTUPHciVxc9portwXEU5DO3Ls8d8VAyM0f test@device"
