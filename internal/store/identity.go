// ABOUTME: Organization, user, and group membership store methods
// ABOUTME: Users are projections of an external identity provider

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ensure SQLiteStore implements IdentityStore.
var _ IdentityStore = (*SQLiteStore)(nil)

// UpsertOrganization resolves-or-creates an organization by identifier.
func (s *SQLiteStore) UpsertOrganization(ctx context.Context, org *Organization) (*Organization, error) {
	if org.ID == "" {
		org.ID = uuid.New().String()
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	if org.Name == "" {
		org.Name = org.Identifier
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, identifier, name, created_at) VALUES (?, ?, ?, ?)`,
		org.ID, org.Identifier, org.Name, org.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return s.GetOrganizationByIdentifier(ctx, org.Identifier)
		}
		return nil, fmt.Errorf("inserting organization: %w", err)
	}

	s.logger.Info("created organization", "identifier", org.Identifier, "id", org.ID)
	return org, nil
}

// GetOrganizationByIdentifier retrieves an organization by identifier.
func (s *SQLiteStore) GetOrganizationByIdentifier(ctx context.Context, identifier string) (*Organization, error) {
	var org Organization
	var createdAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, identifier, name, created_at FROM organizations WHERE identifier = ?`,
		identifier,
	).Scan(&org.ID, &org.Identifier, &org.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying organization: %w", err)
	}

	if org.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &org, nil
}

// UpsertUser resolves-or-creates a user by sub.
func (s *SQLiteStore) UpsertUser(ctx context.Context, u *User) (*User, error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, sub, display_name, organization_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Sub, u.DisplayName, u.OrganizationID, u.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return s.GetUserBySub(ctx, u.Sub)
		}
		return nil, fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Debug("created user", "sub", u.Sub, "id", u.ID)
	return u, nil
}

// GetUserBySub retrieves a user by their external subject identifier.
func (s *SQLiteStore) GetUserBySub(ctx context.Context, sub string) (*User, error) {
	var u User
	var createdAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, sub, display_name, organization_id, created_at FROM users WHERE sub = ?`,
		sub,
	).Scan(&u.ID, &u.Sub, &u.DisplayName, &u.OrganizationID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// AddUserToGroup records group membership. Idempotent.
func (s *SQLiteStore) AddUserToGroup(ctx context.Context, userID, group string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_groups (user_id, grp, created_at) VALUES (?, ?, ?)`,
		userID, group, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("adding user to group: %w", err)
	}
	return nil
}

// ListUserGroups returns the groups a user belongs to.
func (s *SQLiteStore) ListUserGroups(ctx context.Context, userID string) ([]string, error) {
	return s.listStringColumn(ctx,
		`SELECT grp FROM user_groups WHERE user_id = ? ORDER BY grp`, userID)
}
