// ABOUTME: Alias reachability reports submitted by linked clients
// ABOUTME: One row per (client, requirement key, alias) verdict

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ensure SQLiteStore implements ReportStore.
var _ ReportStore = (*SQLiteStore)(nil)

// SaveAliasReport records a client's reachability verdict for one of its
// requirement keys.
func (s *SQLiteStore) SaveAliasReport(ctx context.Context, r *AliasReport) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alias_reports (id, client_id, key, alias_id, valid, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.ClientID,
		r.Key,
		nullString(ptrToString(r.AliasID)),
		boolToInt(r.Valid),
		r.Reason,
		r.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting alias report: %w", err)
	}

	s.logger.Debug("saved alias report",
		"client_id", r.ClientID, "key", r.Key, "valid", r.Valid)
	return nil
}

// ListAliasReports returns a client's reports, newest first.
func (s *SQLiteStore) ListAliasReports(ctx context.Context, clientID string) ([]*AliasReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_id, key, alias_id, valid, reason, created_at
		FROM alias_reports WHERE client_id = ? ORDER BY created_at DESC`,
		clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing alias reports: %w", err)
	}
	defer rows.Close()

	var reports []*AliasReport
	for rows.Next() {
		var r AliasReport
		var aliasID sql.NullString
		var valid int
		var createdAt string
		if err := rows.Scan(&r.ID, &r.ClientID, &r.Key, &aliasID, &valid, &r.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning alias report: %w", err)
		}
		r.AliasID = stringPtr(aliasID)
		r.Valid = valid != 0
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		reports = append(reports, &r)
	}
	return reports, rows.Err()
}
