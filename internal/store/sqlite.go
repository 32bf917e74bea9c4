// ABOUTME: SQLite implementation of the linkd store using modernc.org/sqlite
// ABOUTME: Provides schema creation, transactions, and shared scan helpers

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx, so the
// same store methods run inside and outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements the store interfaces using SQLite.
type SQLiteStore struct {
	db     dbtx
	root   *sql.DB // nil when this store is transaction-scoped
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// WAL for better concurrent performance, foreign keys for referential
	// integrity. Pragmas go in the DSN so every pooled connection gets them.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		root:   db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS organizations (
			id TEXT PRIMARY KEY,
			identifier TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			sub TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			organization_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (organization_id) REFERENCES organizations(id)
		);

		CREATE TABLE IF NOT EXISTS user_groups (
			user_id TEXT NOT NULL,
			grp TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (user_id, grp),
			FOREIGN KEY (user_id) REFERENCES users(id)
		);

		CREATE TABLE IF NOT EXISTS services (
			id TEXT PRIMARY KEY,
			identifier TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			logo TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS releases (
			id TEXT PRIMARY KEY,
			service_id TEXT NOT NULL,
			version TEXT NOT NULL,
			scopes TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL,
			UNIQUE (service_id, version),
			FOREIGN KEY (service_id) REFERENCES services(id)
		);

		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			release_id TEXT NOT NULL,
			identifier TEXT NOT NULL,
			organization_id TEXT NOT NULL,
			device_id TEXT,
			steward_id TEXT,
			token TEXT NOT NULL UNIQUE,
			functional INTEGER NOT NULL DEFAULT 1,
			allowed_users TEXT NOT NULL DEFAULT '[]',
			denied_users TEXT NOT NULL DEFAULT '[]',
			allowed_groups TEXT NOT NULL DEFAULT '[]',
			denied_groups TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (release_id) REFERENCES releases(id),
			FOREIGN KEY (organization_id) REFERENCES organizations(id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_natural_key
			ON instances(release_id, identifier, organization_id,
				IFNULL(device_id, ''), IFNULL(steward_id, ''));

		CREATE TABLE IF NOT EXISTS aliases (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			layer TEXT NOT NULL DEFAULT '',
			host TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			path TEXT NOT NULL DEFAULT '',
			ssl INTEGER NOT NULL DEFAULT 0,
			challenge TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE (instance_id, layer, kind, host, port, path),
			FOREIGN KEY (instance_id) REFERENCES instances(id)
		);

		CREATE TABLE IF NOT EXISTS instance_roles (
			instance_id TEXT NOT NULL,
			role TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (instance_id, role),
			FOREIGN KEY (instance_id) REFERENCES instances(id)
		);

		CREATE TABLE IF NOT EXISTS instance_scopes (
			instance_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (instance_id, scope),
			FOREIGN KEY (instance_id) REFERENCES instances(id)
		);

		CREATE TABLE IF NOT EXISTS clients (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			release_id TEXT NOT NULL,
			device_id TEXT,
			steward_id TEXT,
			kind TEXT NOT NULL,
			public INTEGER NOT NULL DEFAULT 0,
			name TEXT NOT NULL DEFAULT '',
			token TEXT NOT NULL UNIQUE,
			oauth_client_id TEXT NOT NULL UNIQUE,
			oauth_client_secret TEXT NOT NULL,
			redirect_uris TEXT NOT NULL DEFAULT '[]',
			requirements_hash TEXT NOT NULL DEFAULT '',
			functional INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (organization_id) REFERENCES organizations(id),
			FOREIGN KEY (release_id) REFERENCES releases(id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_clients_natural_key
			ON clients(release_id, organization_id,
				IFNULL(device_id, ''), IFNULL(steward_id, ''), kind);

		CREATE TABLE IF NOT EXISTS mappings (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			key TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			UNIQUE (client_id, key),
			FOREIGN KEY (client_id) REFERENCES clients(id),
			FOREIGN KEY (instance_id) REFERENCES instances(id)
		);

		CREATE TABLE IF NOT EXISTS compositions (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			name TEXT NOT NULL,
			token TEXT NOT NULL UNIQUE,
			functional INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE (organization_id, name),
			FOREIGN KEY (organization_id) REFERENCES organizations(id)
		);

		CREATE TABLE IF NOT EXISTS composition_members (
			id TEXT PRIMARY KEY,
			composition_id TEXT NOT NULL,
			identifier TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			token TEXT NOT NULL DEFAULT '',
			private_key TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			UNIQUE (composition_id, identifier),
			FOREIGN KEY (composition_id) REFERENCES compositions(id),
			FOREIGN KEY (instance_id) REFERENCES instances(id)
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			variant TEXT NOT NULL,
			code TEXT NOT NULL UNIQUE,
			poll_code TEXT NOT NULL UNIQUE,
			manifest TEXT NOT NULL,
			staged_aliases TEXT NOT NULL DEFAULT '[]',
			kind TEXT NOT NULL DEFAULT '',
			public INTEGER NOT NULL DEFAULT 0,
			redirect_uris TEXT NOT NULL DEFAULT '[]',
			device_fingerprint TEXT NOT NULL DEFAULT '',
			expires_at DATETIME NOT NULL,
			denied INTEGER NOT NULL DEFAULT 0,
			subject_id TEXT,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS alias_reports (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			key TEXT NOT NULL,
			alias_id TEXT,
			valid INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			FOREIGN KEY (client_id) REFERENCES clients(id)
		);

		CREATE INDEX IF NOT EXISTS idx_alias_reports_client
			ON alias_reports(client_id, key);
	`

	if _, err := s.db.ExecContext(context.Background(), schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// InTransaction runs fn with a transaction-scoped store. The transaction is
// committed if fn returns nil and rolled back otherwise. Accept
// materialization runs through this so a mid-materialization failure cannot
// leave a subject bound without its declared roles and scopes.
func (s *SQLiteStore) InTransaction(ctx context.Context, fn func(tx *SQLiteStore) error) error {
	if s.root == nil {
		// Already inside a transaction; SQLite has no nesting.
		return fn(s)
	}

	tx, err := s.root.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	txStore := &SQLiteStore{db: tx, logger: s.logger}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable. Used by readiness checks.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.root == nil {
		return nil
	}
	s.logger.Info("closing SQLite store")
	return s.root.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString converts an empty string to nil for nullable columns.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ptrToString dereferences a *string, returning "" for nil.
func ptrToString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// stringPtr converts a sql.NullString to a *string.
func stringPtr(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	v := ns.String
	return &v
}

// encodeJSON marshals a slice column value, mapping nil to "[]".
func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding json column: %w", err)
	}
	if string(b) == "null" {
		return "[]", nil
	}
	return string(b), nil
}

// decodeStrings unmarshals a JSON string-array column.
func decodeStrings(raw string, dst *[]string) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decoding json column: %w", err)
	}
	return nil
}

// parseTime parses an RFC3339 timestamp as stored by this package.
func parseTime(raw string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		// SQLite DATETIME affinity may hand back its own layout.
		ts, err = time.Parse("2006-01-02 15:04:05", raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", raw, err)
		}
	}
	return ts, nil
}
