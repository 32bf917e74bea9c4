// ABOUTME: Linking session types and store interface for device linking
// ABOUTME: Sessions stage a manifest until accepted, declined, or expired

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when a session does not exist (including
// after a terminal poll deleted it).
var ErrSessionNotFound = errors.New("linking session not found")

// ErrDuplicateCode is returned when a generated code collides with an
// existing session.
var ErrDuplicateCode = errors.New("linking code already exists")

// SessionVariant discriminates what kind of subject a session binds to.
type SessionVariant string

const (
	VariantClient      SessionVariant = "client"
	VariantInstance    SessionVariant = "instance"
	VariantComposition SessionVariant = "composition"
)

// SessionStatus is the derived state of a linking session. It is never
// stored; compute it with LinkingSession.Status.
type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionGranted SessionStatus = "granted"
	SessionDenied  SessionStatus = "denied"
	SessionExpired SessionStatus = "expired"
)

// StagedAlias is an alias requested verbatim at start time; it is
// materialized onto the bound instance during accept.
type StagedAlias struct {
	Kind      AliasKind `json:"kind"`
	Layer     string    `json:"layer,omitempty"`
	Host      string    `json:"host,omitempty"`
	Port      int       `json:"port,omitempty"`
	Path      string    `json:"path,omitempty"`
	SSL       bool      `json:"ssl,omitempty"`
	Challenge string    `json:"challenge,omitempty"`
}

// LinkingSession is one device-linking attempt from start to a terminal
// outcome. Code is the client-visible public code; PollCode is the separate
// secret used for status polling.
type LinkingSession struct {
	ID                string
	Variant           SessionVariant
	Code              string
	PollCode          string
	Manifest          []byte // staged manifest, JSON
	StagedAliases     []StagedAlias
	Kind              ClientKind
	Public            bool
	RedirectURIs      []string
	DeviceFingerprint string // SSH fingerprint of the requesting device, if given
	ExpiresAt         time.Time
	Denied            bool
	SubjectID         *string // bound subject, nil until accepted
	CreatedAt         time.Time
}

// Status derives the session state at the given instant. Exactly one status
// holds: a bound subject wins over expiry (the grant already happened), and
// denial and expiry are checked before pending.
func (s *LinkingSession) Status(now time.Time) SessionStatus {
	switch {
	case s.SubjectID != nil:
		return SessionGranted
	case s.Denied:
		return SessionDenied
	case now.After(s.ExpiresAt):
		return SessionExpired
	default:
		return SessionPending
	}
}

// SessionStore defines operations for linking session management.
type SessionStore interface {
	// CreateSession persists a new pending session. Returns ErrDuplicateCode
	// if the public or poll code collides.
	CreateSession(ctx context.Context, s *LinkingSession) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, id string) (*LinkingSession, error)

	// GetSessionByCode retrieves a session by its public code.
	GetSessionByCode(ctx context.Context, code string) (*LinkingSession, error)

	// GetSessionByPollCode retrieves a session by its poll code.
	GetSessionByPollCode(ctx context.Context, pollCode string) (*LinkingSession, error)

	// BindSubject records the subject a session resolved to. Fails with
	// ErrAlreadyBound if a different subject is already bound.
	BindSubject(ctx context.Context, id, subjectID string) error

	// DenySession sets the denied flag.
	DenySession(ctx context.Context, id string) error

	// DeleteSession removes a session. Deleting an already-deleted session
	// is not an error; terminal polls race on this.
	DeleteSession(ctx context.Context, id string) error

	// ListPendingSessions returns unbound, undenied, unexpired sessions.
	ListPendingSessions(ctx context.Context) ([]*LinkingSession, error)

	// DeleteExpiredSessions removes sessions past expiry that were never
	// polled to a terminal result. Returns the number removed.
	DeleteExpiredSessions(ctx context.Context) (int, error)
}

// ErrAlreadyBound is returned when binding a subject to a session that
// already has one.
var ErrAlreadyBound = errors.New("session already has a bound subject")

// Ensure SQLiteStore implements SessionStore.
var _ SessionStore = (*SQLiteStore)(nil)

// CreateSession persists a new pending session.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *LinkingSession) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	staged, err := encodeJSON(sess.StagedAliases)
	if err != nil {
		return err
	}
	uris, err := encodeJSON(sess.RedirectURIs)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (id, variant, code, poll_code, manifest, staged_aliases,
			kind, public, redirect_uris, device_fingerprint, expires_at, denied,
			subject_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		sess.ID,
		string(sess.Variant),
		sess.Code,
		sess.PollCode,
		string(sess.Manifest),
		staged,
		string(sess.Kind),
		boolToInt(sess.Public),
		uris,
		sess.DeviceFingerprint,
		sess.ExpiresAt.UTC().Format(time.RFC3339),
		boolToInt(sess.Denied),
		nullString(ptrToString(sess.SubjectID)),
		sess.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateCode
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created linking session", "id", sess.ID, "variant", sess.Variant, "expires_at", sess.ExpiresAt)
	return nil
}

const sessionColumns = `id, variant, code, poll_code, manifest, staged_aliases,
	kind, public, redirect_uris, device_fingerprint, expires_at, denied,
	subject_id, created_at`

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*LinkingSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetSessionByCode retrieves a session by its public code.
func (s *SQLiteStore) GetSessionByCode(ctx context.Context, code string) (*LinkingSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE code = ?`, code)
	return scanSession(row)
}

// GetSessionByPollCode retrieves a session by its poll code.
func (s *SQLiteStore) GetSessionByPollCode(ctx context.Context, pollCode string) (*LinkingSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE poll_code = ?`, pollCode)
	return scanSession(row)
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*LinkingSession, error) {
	var sess LinkingSession
	var variant, kind, manifest, staged, uris, expiresAt, createdAt string
	var public, denied int
	var subjectID sql.NullString

	err := row.Scan(
		&sess.ID,
		&variant,
		&sess.Code,
		&sess.PollCode,
		&manifest,
		&staged,
		&kind,
		&public,
		&uris,
		&sess.DeviceFingerprint,
		&expiresAt,
		&denied,
		&subjectID,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	sess.Variant = SessionVariant(variant)
	sess.Kind = ClientKind(kind)
	sess.Manifest = []byte(manifest)
	sess.Public = public != 0
	sess.Denied = denied != 0
	sess.SubjectID = stringPtr(subjectID)

	if staged != "" && staged != "[]" {
		if err := json.Unmarshal([]byte(staged), &sess.StagedAliases); err != nil {
			return nil, fmt.Errorf("decoding staged aliases: %w", err)
		}
	}
	if err := decodeStrings(uris, &sess.RedirectURIs); err != nil {
		return nil, err
	}
	if sess.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

// BindSubject records the subject a session resolved to. The WHERE clause
// guards against double-binding under concurrent accepts.
func (s *SQLiteStore) BindSubject(ctx context.Context, id, subjectID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET subject_id = ? WHERE id = ? AND subject_id IS NULL`,
		subjectID, id,
	)
	if err != nil {
		return fmt.Errorf("binding subject: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking bind result: %w", err)
	}
	if n == 0 {
		// Either the session is gone or a subject is already bound.
		existing, getErr := s.GetSession(ctx, id)
		if getErr != nil {
			return getErr
		}
		if existing.SubjectID != nil {
			return ErrAlreadyBound
		}
		return ErrSessionNotFound
	}

	s.logger.Debug("bound subject to session", "session_id", id, "subject_id", subjectID)
	return nil
}

// DenySession sets the denied flag.
func (s *SQLiteStore) DenySession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET denied = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("denying session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking deny result: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a session. Racing deletes are fine: the second one
// is a no-op.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// ListPendingSessions returns unbound, undenied, unexpired sessions ordered
// by creation time.
func (s *SQLiteStore) ListPendingSessions(ctx context.Context) ([]*LinkingSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM sessions
		WHERE subject_id IS NULL AND denied = 0 AND expires_at > ?
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("listing pending sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*LinkingSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteExpiredSessions removes terminal-by-expiry sessions that no poll
// ever observed.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= ? AND subject_id IS NULL`,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted sessions: %w", err)
	}
	if n > 0 {
		s.logger.Debug("garbage-collected expired sessions", "count", n)
	}
	return int(n), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
