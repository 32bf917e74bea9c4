// ABOUTME: Client subject store methods and requirement-key mappings
// ABOUTME: Clients converge on (release, org, device, steward, kind)

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ensure SQLiteStore implements ClientStore.
var _ ClientStore = (*SQLiteStore)(nil)

const clientColumns = `id, organization_id, release_id, device_id, steward_id,
	kind, public, name, token, oauth_client_id, oauth_client_secret,
	redirect_uris, requirements_hash, functional, created_at, updated_at`

// UpsertClient resolves-or-creates a client under its natural key. Existing
// credentials (token, oauth id/secret) are never regenerated; redirect URIs
// and the deployment name are refreshed from the new manifest.
func (s *SQLiteStore) UpsertClient(ctx context.Context, c *Client) (*Client, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	uris, err := encodeJSON(c.RedirectURIs)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clients (`+clientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.OrganizationID,
		c.ReleaseID,
		nullString(ptrToString(c.DeviceID)),
		nullString(ptrToString(c.StewardID)),
		string(c.Kind),
		boolToInt(c.Public),
		c.Name,
		c.Token,
		c.OAuthClientID,
		c.OAuthClientSecret,
		uris,
		c.RequirementsHash,
		boolToInt(c.Functional),
		c.CreatedAt.Format(time.RFC3339),
		c.UpdatedAt.Format(time.RFC3339),
	)
	if err == nil {
		s.logger.Info("materialized client", "id", c.ID, "release_id", c.ReleaseID, "kind", c.Kind)
		return c, nil
	}
	if !isConstraintViolation(err) {
		return nil, fmt.Errorf("inserting client: %w", err)
	}

	existing, getErr := s.getClientByNaturalKey(ctx, c)
	if errors.Is(getErr, ErrNotFound) {
		return nil, ErrTokenExists
	}
	if getErr != nil {
		return nil, getErr
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE clients SET name = ?, public = ?, redirect_uris = ?, updated_at = ? WHERE id = ?`,
		c.Name, boolToInt(c.Public), uris, now.Format(time.RFC3339), existing.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("refreshing client: %w", err)
	}
	return s.GetClient(ctx, existing.ID)
}

func (s *SQLiteStore) getClientByNaturalKey(ctx context.Context, c *Client) (*Client, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients
		WHERE release_id = ? AND organization_id = ?
			AND IFNULL(device_id, '') = ? AND IFNULL(steward_id, '') = ? AND kind = ?`,
		c.ReleaseID, c.OrganizationID,
		ptrToString(c.DeviceID), ptrToString(c.StewardID), string(c.Kind),
	)
	return scanClient(row)
}

// GetClient retrieves a client by ID.
func (s *SQLiteStore) GetClient(ctx context.Context, id string) (*Client, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id)
	return scanClient(row)
}

// GetClientByToken retrieves a client by its bearer token.
func (s *SQLiteStore) GetClientByToken(ctx context.Context, token string) (*Client, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE token = ?`, token)
	return scanClient(row)
}

func scanClient(row scanner) (*Client, error) {
	var c Client
	var deviceID, stewardID sql.NullString
	var kind, uris, createdAt, updatedAt string
	var public, functional int

	err := row.Scan(
		&c.ID,
		&c.OrganizationID,
		&c.ReleaseID,
		&deviceID,
		&stewardID,
		&kind,
		&public,
		&c.Name,
		&c.Token,
		&c.OAuthClientID,
		&c.OAuthClientSecret,
		&uris,
		&c.RequirementsHash,
		&functional,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning client: %w", err)
	}

	c.DeviceID = stringPtr(deviceID)
	c.StewardID = stringPtr(stewardID)
	c.Kind = ClientKind(kind)
	c.Public = public != 0
	c.Functional = functional != 0
	if err := decodeStrings(uris, &c.RedirectURIs); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateClientRequirementsHash stores the hash of the client's current
// requirement set.
func (s *SQLiteStore) UpdateClientRequirementsHash(ctx context.Context, id, hash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clients SET requirements_hash = ?, updated_at = ? WHERE id = ?`,
		hash, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating requirements hash: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetClientFunctional updates the functional flag reported by the client.
func (s *SQLiteStore) SetClientFunctional(ctx context.Context, id string, functional bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clients SET functional = ?, updated_at = ? WHERE id = ?`,
		boolToInt(functional), time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating client functional flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceMappings deletes the client's mapping set and inserts the new one
// in a single transaction. Nothing is committed if any insert fails.
func (s *SQLiteStore) ReplaceMappings(ctx context.Context, clientID string, mappings []*InstanceMapping) error {
	return s.InTransaction(ctx, func(tx *SQLiteStore) error {
		if _, err := tx.db.ExecContext(ctx, `DELETE FROM mappings WHERE client_id = ?`, clientID); err != nil {
			return fmt.Errorf("clearing mappings: %w", err)
		}

		now := time.Now().UTC()
		for _, m := range mappings {
			if m.ID == "" {
				m.ID = uuid.New().String()
			}
			if m.CreatedAt.IsZero() {
				m.CreatedAt = now
			}
			_, err := tx.db.ExecContext(ctx,
				`INSERT INTO mappings (id, client_id, key, instance_id, created_at) VALUES (?, ?, ?, ?, ?)`,
				m.ID, clientID, m.Key, m.InstanceID, m.CreatedAt.Format(time.RFC3339),
			)
			if err != nil {
				return fmt.Errorf("inserting mapping %q: %w", m.Key, err)
			}
		}

		tx.logger.Debug("replaced client mappings", "client_id", clientID, "count", len(mappings))
		return nil
	})
}

// ListMappings returns the client's requirement-key mappings.
func (s *SQLiteStore) ListMappings(ctx context.Context, clientID string) ([]*InstanceMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_id, key, instance_id, created_at FROM mappings
		WHERE client_id = ? ORDER BY key`,
		clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*InstanceMapping
	for rows.Next() {
		var m InstanceMapping
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ClientID, &m.Key, &m.InstanceID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning mapping: %w", err)
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		mappings = append(mappings, &m)
	}
	return mappings, rows.Err()
}
