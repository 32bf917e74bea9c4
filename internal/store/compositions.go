// ABOUTME: Composition subject store methods and member management
// ABOUTME: Compositions converge on (organization, name)

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ensure SQLiteStore implements CompositionStore.
var _ CompositionStore = (*SQLiteStore)(nil)

const compositionColumns = `id, organization_id, name, token, functional, created_at, updated_at`

// UpsertComposition resolves-or-creates a composition by (organization, name).
// The token of an existing composition is never replaced.
func (s *SQLiteStore) UpsertComposition(ctx context.Context, c *Composition) (*Composition, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO compositions (`+compositionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.OrganizationID,
		c.Name,
		c.Token,
		boolToInt(c.Functional),
		c.CreatedAt.Format(time.RFC3339),
		c.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			existing, getErr := s.getCompositionByNaturalKey(ctx, c.OrganizationID, c.Name)
			if errors.Is(getErr, ErrNotFound) {
				return nil, ErrTokenExists
			}
			return existing, getErr
		}
		return nil, fmt.Errorf("inserting composition: %w", err)
	}

	s.logger.Info("materialized composition", "id", c.ID, "name", c.Name)
	return c, nil
}

func (s *SQLiteStore) getCompositionByNaturalKey(ctx context.Context, organizationID, name string) (*Composition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+compositionColumns+` FROM compositions WHERE organization_id = ? AND name = ?`,
		organizationID, name,
	)
	return scanComposition(row)
}

// GetComposition retrieves a composition by ID.
func (s *SQLiteStore) GetComposition(ctx context.Context, id string) (*Composition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+compositionColumns+` FROM compositions WHERE id = ?`, id)
	return scanComposition(row)
}

// GetCompositionByToken retrieves a composition by its bearer token.
func (s *SQLiteStore) GetCompositionByToken(ctx context.Context, token string) (*Composition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+compositionColumns+` FROM compositions WHERE token = ?`, token)
	return scanComposition(row)
}

func scanComposition(row scanner) (*Composition, error) {
	var c Composition
	var functional int
	var createdAt, updatedAt string

	err := row.Scan(&c.ID, &c.OrganizationID, &c.Name, &c.Token, &functional, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning composition: %w", err)
	}

	c.Functional = functional != 0
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// AddCompositionMember ties an instance into a composition under its
// requirement key. Adding the same identifier twice returns the existing
// member; the minted token and private key are kept.
func (s *SQLiteStore) AddCompositionMember(ctx context.Context, m *CompositionMember) (*CompositionMember, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO composition_members (id, composition_id, identifier, instance_id, token, private_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		m.CompositionID,
		m.Identifier,
		m.InstanceID,
		m.Token,
		m.PrivateKey,
		m.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return s.getCompositionMember(ctx, m.CompositionID, m.Identifier)
		}
		return nil, fmt.Errorf("inserting composition member: %w", err)
	}

	s.logger.Debug("added composition member",
		"composition_id", m.CompositionID, "identifier", m.Identifier, "instance_id", m.InstanceID)
	return m, nil
}

func (s *SQLiteStore) getCompositionMember(ctx context.Context, compositionID, identifier string) (*CompositionMember, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, composition_id, identifier, instance_id, token, private_key, created_at
		FROM composition_members WHERE composition_id = ? AND identifier = ?`,
		compositionID, identifier,
	)
	return scanCompositionMember(row)
}

func scanCompositionMember(row scanner) (*CompositionMember, error) {
	var m CompositionMember
	var createdAt string

	err := row.Scan(&m.ID, &m.CompositionID, &m.Identifier, &m.InstanceID, &m.Token, &m.PrivateKey, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning composition member: %w", err)
	}

	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListCompositionMembers returns a composition's members in creation order.
func (s *SQLiteStore) ListCompositionMembers(ctx context.Context, compositionID string) ([]*CompositionMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, composition_id, identifier, instance_id, token, private_key, created_at
		FROM composition_members WHERE composition_id = ? ORDER BY created_at ASC`,
		compositionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing composition members: %w", err)
	}
	defer rows.Close()

	var members []*CompositionMember
	for rows.Next() {
		m, err := scanCompositionMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
