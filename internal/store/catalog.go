// ABOUTME: Catalog store methods for services, releases, instances, and aliases
// ABOUTME: Upserts converge on natural keys so repeated accepts are idempotent

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ensure SQLiteStore implements CatalogStore.
var _ CatalogStore = (*SQLiteStore)(nil)

// UpsertService resolves-or-creates a service by its identifier. A
// constraint violation from a concurrent create is treated as "fetch the
// existing row".
func (s *SQLiteStore) UpsertService(ctx context.Context, svc *Service) (*Service, error) {
	existing, err := s.GetServiceByIdentifier(ctx, svc.Identifier)
	if err == nil {
		// Additive update of display fields only.
		if svc.Name != "" || svc.Logo != "" {
			_, err = s.db.ExecContext(ctx,
				`UPDATE services SET
					name = CASE WHEN ? != '' THEN ? ELSE name END,
					logo = CASE WHEN ? != '' THEN ? ELSE logo END
				WHERE id = ?`,
				svc.Name, svc.Name, svc.Logo, svc.Logo, existing.ID,
			)
			if err != nil {
				return nil, fmt.Errorf("updating service: %w", err)
			}
		}
		return s.GetServiceByIdentifier(ctx, svc.Identifier)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if svc.ID == "" {
		svc.ID = uuid.New().String()
	}
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO services (id, identifier, name, logo, created_at) VALUES (?, ?, ?, ?, ?)`,
		svc.ID, svc.Identifier, svc.Name, svc.Logo, svc.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return s.GetServiceByIdentifier(ctx, svc.Identifier)
		}
		return nil, fmt.Errorf("inserting service: %w", err)
	}

	s.logger.Info("registered service", "identifier", svc.Identifier, "id", svc.ID)
	return svc, nil
}

// GetServiceByIdentifier retrieves a service by its identifier.
func (s *SQLiteStore) GetServiceByIdentifier(ctx context.Context, identifier string) (*Service, error) {
	var svc Service
	var createdAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, identifier, name, logo, created_at FROM services WHERE identifier = ?`,
		identifier,
	).Scan(&svc.ID, &svc.Identifier, &svc.Name, &svc.Logo, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying service: %w", err)
	}

	if svc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &svc, nil
}

// GetService retrieves a service by ID.
func (s *SQLiteStore) GetService(ctx context.Context, id string) (*Service, error) {
	var svc Service
	var createdAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, identifier, name, logo, created_at FROM services WHERE id = ?`,
		id,
	).Scan(&svc.ID, &svc.Identifier, &svc.Name, &svc.Logo, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying service: %w", err)
	}

	if svc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &svc, nil
}

// ListServices returns all registered services.
func (s *SQLiteStore) ListServices(ctx context.Context) ([]*Service, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, identifier, name, logo, created_at FROM services ORDER BY identifier`)
	if err != nil {
		return nil, fmt.Errorf("listing services: %w", err)
	}
	defer rows.Close()

	var services []*Service
	for rows.Next() {
		var svc Service
		var createdAt string
		if err := rows.Scan(&svc.ID, &svc.Identifier, &svc.Name, &svc.Logo, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning service: %w", err)
		}
		if svc.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		services = append(services, &svc)
	}
	return services, rows.Err()
}

// UpsertRelease resolves-or-creates a release by (service, version).
func (s *SQLiteStore) UpsertRelease(ctx context.Context, rel *Release) (*Release, error) {
	if rel.ID == "" {
		rel.ID = uuid.New().String()
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}

	scopes, err := encodeJSON(rel.Scopes)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO releases (id, service_id, version, scopes, created_at) VALUES (?, ?, ?, ?, ?)`,
		rel.ID, rel.ServiceID, rel.Version, scopes, rel.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return s.getReleaseByNaturalKey(ctx, rel.ServiceID, rel.Version)
		}
		return nil, fmt.Errorf("inserting release: %w", err)
	}

	s.logger.Info("registered release", "service_id", rel.ServiceID, "version", rel.Version)
	return rel, nil
}

// GetRelease retrieves a release by ID.
func (s *SQLiteStore) GetRelease(ctx context.Context, id string) (*Release, error) {
	return s.scanReleaseRow(s.db.QueryRowContext(ctx,
		`SELECT id, service_id, version, scopes, created_at FROM releases WHERE id = ?`, id))
}

func (s *SQLiteStore) getReleaseByNaturalKey(ctx context.Context, serviceID, version string) (*Release, error) {
	return s.scanReleaseRow(s.db.QueryRowContext(ctx,
		`SELECT id, service_id, version, scopes, created_at FROM releases
		WHERE service_id = ? AND version = ?`, serviceID, version))
}

func (s *SQLiteStore) scanReleaseRow(row *sql.Row) (*Release, error) {
	var rel Release
	var scopes, createdAt string

	err := row.Scan(&rel.ID, &rel.ServiceID, &rel.Version, &scopes, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning release: %w", err)
	}

	if err := decodeStrings(scopes, &rel.Scopes); err != nil {
		return nil, err
	}
	if rel.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &rel, nil
}

const instanceColumns = `id, release_id, identifier, organization_id, device_id,
	steward_id, token, functional, allowed_users, denied_users, allowed_groups,
	denied_groups, created_at, updated_at`

// UpsertInstance resolves-or-creates a service instance under its natural
// key (release, identifier, organization, device, steward). The token of an
// existing instance is never replaced.
func (s *SQLiteStore) UpsertInstance(ctx context.Context, inst *ServiceInstance) (*ServiceInstance, error) {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	allowedUsers, err := encodeJSON(inst.AllowedUsers)
	if err != nil {
		return nil, err
	}
	deniedUsers, err := encodeJSON(inst.DeniedUsers)
	if err != nil {
		return nil, err
	}
	allowedGroups, err := encodeJSON(inst.AllowedGroups)
	if err != nil {
		return nil, err
	}
	deniedGroups, err := encodeJSON(inst.DeniedGroups)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		inst.ReleaseID,
		inst.Identifier,
		inst.OrganizationID,
		nullString(ptrToString(inst.DeviceID)),
		nullString(ptrToString(inst.StewardID)),
		inst.Token,
		boolToInt(inst.Functional),
		allowedUsers,
		deniedUsers,
		allowedGroups,
		deniedGroups,
		inst.CreatedAt.Format(time.RFC3339),
		inst.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			existing, getErr := s.getInstanceByNaturalKey(ctx, inst)
			if getErr == nil {
				return existing, nil
			}
			// The collision was on the token column, not the natural key.
			if errors.Is(getErr, ErrNotFound) {
				return nil, ErrTokenExists
			}
			return nil, getErr
		}
		return nil, fmt.Errorf("inserting instance: %w", err)
	}

	s.logger.Info("materialized instance",
		"id", inst.ID, "release_id", inst.ReleaseID, "identifier", inst.Identifier)
	return inst, nil
}

func (s *SQLiteStore) getInstanceByNaturalKey(ctx context.Context, inst *ServiceInstance) (*ServiceInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances
		WHERE release_id = ? AND identifier = ? AND organization_id = ?
			AND IFNULL(device_id, '') = ? AND IFNULL(steward_id, '') = ?`,
		inst.ReleaseID, inst.Identifier, inst.OrganizationID,
		ptrToString(inst.DeviceID), ptrToString(inst.StewardID),
	)
	return scanInstance(row)
}

// GetInstance retrieves an instance by ID.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*ServiceInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	return scanInstance(row)
}

// GetInstanceByToken retrieves an instance by its bearer token.
func (s *SQLiteStore) GetInstanceByToken(ctx context.Context, token string) (*ServiceInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE token = ?`, token)
	return scanInstance(row)
}

func scanInstance(row scanner) (*ServiceInstance, error) {
	var inst ServiceInstance
	var deviceID, stewardID sql.NullString
	var functional int
	var allowedUsers, deniedUsers, allowedGroups, deniedGroups string
	var createdAt, updatedAt string

	err := row.Scan(
		&inst.ID,
		&inst.ReleaseID,
		&inst.Identifier,
		&inst.OrganizationID,
		&deviceID,
		&stewardID,
		&inst.Token,
		&functional,
		&allowedUsers,
		&deniedUsers,
		&allowedGroups,
		&deniedGroups,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning instance: %w", err)
	}

	inst.DeviceID = stringPtr(deviceID)
	inst.StewardID = stringPtr(stewardID)
	inst.Functional = functional != 0

	if err := decodeStrings(allowedUsers, &inst.AllowedUsers); err != nil {
		return nil, err
	}
	if err := decodeStrings(deniedUsers, &inst.DeniedUsers); err != nil {
		return nil, err
	}
	if err := decodeStrings(allowedGroups, &inst.AllowedGroups); err != nil {
		return nil, err
	}
	if err := decodeStrings(deniedGroups, &inst.DeniedGroups); err != nil {
		return nil, err
	}
	if inst.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if inst.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &inst, nil
}

// CandidateInstances returns instances of the given service inside the
// organization. No ACL filtering happens here; the resolver evaluates
// policy over the returned snapshot.
func (s *SQLiteStore) CandidateInstances(ctx context.Context, serviceIdentifier, organizationID string) ([]*ServiceInstance, error) {
	query := `SELECT i.id, i.release_id, i.identifier, i.organization_id, i.device_id,
			i.steward_id, i.token, i.functional, i.allowed_users, i.denied_users,
			i.allowed_groups, i.denied_groups, i.created_at, i.updated_at
		FROM instances i
		JOIN releases r ON r.id = i.release_id
		JOIN services sv ON sv.id = r.service_id
		WHERE sv.identifier = ? AND i.organization_id = ?
		ORDER BY i.created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, serviceIdentifier, organizationID)
	if err != nil {
		return nil, fmt.Errorf("querying candidate instances: %w", err)
	}
	defer rows.Close()

	var instances []*ServiceInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// SetInstanceFunctional updates the functional flag reported by clients.
func (s *SQLiteStore) SetInstanceFunctional(ctx context.Context, id string, functional bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET functional = ?, updated_at = ? WHERE id = ?`,
		boolToInt(functional), time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating instance functional flag: %w", err)
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

const aliasColumns = `id, instance_id, kind, layer, host, port, path, ssl, challenge, created_at, updated_at`

// UpsertAlias resolves-or-creates an alias under its natural key
// (instance, layer, kind, host, port, path).
func (s *SQLiteStore) UpsertAlias(ctx context.Context, alias *Alias) (*Alias, error) {
	if alias.ID == "" {
		alias.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if alias.CreatedAt.IsZero() {
		alias.CreatedAt = now
	}
	alias.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO aliases (`+aliasColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alias.ID,
		alias.InstanceID,
		string(alias.Kind),
		alias.Layer,
		alias.Host,
		alias.Port,
		alias.Path,
		boolToInt(alias.SSL),
		alias.Challenge,
		alias.CreatedAt.Format(time.RFC3339),
		alias.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return s.getAliasByNaturalKey(ctx, alias)
		}
		return nil, fmt.Errorf("inserting alias: %w", err)
	}

	s.logger.Debug("materialized alias",
		"id", alias.ID, "instance_id", alias.InstanceID, "kind", alias.Kind, "host", alias.Host)
	return alias, nil
}

func (s *SQLiteStore) getAliasByNaturalKey(ctx context.Context, alias *Alias) (*Alias, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+aliasColumns+` FROM aliases
		WHERE instance_id = ? AND layer = ? AND kind = ? AND host = ? AND port = ? AND path = ?`,
		alias.InstanceID, alias.Layer, string(alias.Kind), alias.Host, alias.Port, alias.Path,
	)
	return scanAlias(row)
}

func scanAlias(row scanner) (*Alias, error) {
	var alias Alias
	var kind, createdAt, updatedAt string
	var ssl int

	err := row.Scan(
		&alias.ID,
		&alias.InstanceID,
		&kind,
		&alias.Layer,
		&alias.Host,
		&alias.Port,
		&alias.Path,
		&ssl,
		&alias.Challenge,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning alias: %w", err)
	}

	alias.Kind = AliasKind(kind)
	alias.SSL = ssl != 0
	if alias.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if alias.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &alias, nil
}

// ListAliases returns all aliases of an instance in creation order.
func (s *SQLiteStore) ListAliases(ctx context.Context, instanceID string) ([]*Alias, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+aliasColumns+` FROM aliases WHERE instance_id = ? ORDER BY created_at ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing aliases: %w", err)
	}
	defer rows.Close()

	var aliases []*Alias
	for rows.Next() {
		alias, err := scanAlias(rows)
		if err != nil {
			return nil, err
		}
		aliases = append(aliases, alias)
	}
	return aliases, rows.Err()
}

// AddInstanceRole adds a role to an instance. Idempotent.
func (s *SQLiteStore) AddInstanceRole(ctx context.Context, instanceID, role string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO instance_roles (instance_id, role, created_at) VALUES (?, ?, ?)`,
		instanceID, role, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("adding instance role: %w", err)
	}
	return nil
}

// ListInstanceRoles returns the roles of an instance.
func (s *SQLiteStore) ListInstanceRoles(ctx context.Context, instanceID string) ([]string, error) {
	return s.listStringColumn(ctx,
		`SELECT role FROM instance_roles WHERE instance_id = ? ORDER BY role`, instanceID)
}

// AddInstanceScope adds a scope to an instance. Idempotent.
func (s *SQLiteStore) AddInstanceScope(ctx context.Context, instanceID, scope string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO instance_scopes (instance_id, scope, created_at) VALUES (?, ?, ?)`,
		instanceID, scope, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("adding instance scope: %w", err)
	}
	return nil
}

// ListInstanceScopes returns the scopes of an instance.
func (s *SQLiteStore) ListInstanceScopes(ctx context.Context, instanceID string) ([]string, error) {
	return s.listStringColumn(ctx,
		`SELECT scope FROM instance_scopes WHERE instance_id = ? ORDER BY scope`, instanceID)
}

// listStringColumn runs a single-column string query.
func (s *SQLiteStore) listStringColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying: %w", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
