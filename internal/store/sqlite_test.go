// ABOUTME: Tests for SQLite store setup plus shared test fixtures
// ABOUTME: Provides setupTestStore and catalog seeding helpers

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// setupTestStore creates a SQLite store in a temp directory, closed on test
// cleanup.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "linkd.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedOrg creates an organization for catalog tests.
func seedOrg(t *testing.T, s *SQLiteStore, identifier string) *Organization {
	t.Helper()

	org, err := s.UpsertOrganization(context.Background(), &Organization{Identifier: identifier})
	require.NoError(t, err)
	return org
}

// seedRelease creates a service plus one release of it.
func seedRelease(t *testing.T, s *SQLiteStore, serviceIdentifier, version string) *Release {
	t.Helper()

	ctx := context.Background()
	svc, err := s.UpsertService(ctx, &Service{Identifier: serviceIdentifier})
	require.NoError(t, err)

	rel, err := s.UpsertRelease(ctx, &Release{ServiceID: svc.ID, Version: version})
	require.NoError(t, err)
	return rel
}

// seedInstance creates an instance of the given release in the organization.
func seedInstance(t *testing.T, s *SQLiteStore, rel *Release, org *Organization, identifier, token string) *ServiceInstance {
	t.Helper()

	inst, err := s.UpsertInstance(context.Background(), &ServiceInstance{
		ReleaseID:      rel.ID,
		Identifier:     identifier,
		OrganizationID: org.ID,
		Token:          token,
		Functional:     true,
	})
	require.NoError(t, err)
	return inst
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestInTransaction_RollsBackOnError(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	errBoom := os.ErrInvalid
	err := s.InTransaction(ctx, func(tx *SQLiteStore) error {
		if _, err := tx.UpsertOrganization(ctx, &Organization{Identifier: "acme"}); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	_, err = s.GetOrganizationByIdentifier(ctx, "acme")
	require.ErrorIs(t, err, ErrNotFound)
}
