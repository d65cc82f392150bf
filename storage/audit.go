package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxAuditLimit = 1000

// RecordAudit appends an entry and prunes entries older than the retention.
func (s *Store) RecordAudit(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(string(e.Kind)) == "" {
		return errors.New("audit kind is required")
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if !e.Severity.valid() {
		return fmt.Errorf("invalid audit severity %q", e.Severity)
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	detail := []byte("{}")
	if len(e.Detail) > 0 {
		encoded, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("encode audit detail: %w", err)
		}
		detail = encoded
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (kind, device_id, severity, detail, at) VALUES (?, ?, ?, ?, ?)`,
		string(e.Kind), optional(strings.TrimSpace(e.DeviceID)), string(e.Severity), string(detail), e.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("record audit %q: %w", e.Kind, err)
	}

	if s.auditRetention > 0 {
		if _, err := s.PruneAudit(ctx, s.now().Add(-s.auditRetention)); err != nil {
			return err
		}
	}
	return nil
}

// Audit returns entries newest first.
func (s *Store) Audit(ctx context.Context, q AuditQuery) ([]AuditEntry, error) {
	if q.Severity != "" && !q.Severity.valid() {
		return nil, fmt.Errorf("invalid audit severity %q", q.Severity)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if q.Kind != "" {
		add("kind = ?", string(q.Kind))
	}
	if q.DeviceID != "" {
		add("device_id = ?", q.DeviceID)
	}
	if q.Severity != "" {
		add("severity = ?", string(q.Severity))
	}
	if !q.Since.IsZero() {
		add("at >= ?", q.Since.UnixMilli())
	}

	query := `SELECT id, kind, device_id, severity, detail, at FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneAudit deletes entries recorded before cutoff.
func (s *Store) PruneAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune audit log: %w", err)
	}
	return res.RowsAffected()
}

func scanAudit(row scanner) (AuditEntry, error) {
	var (
		e        AuditEntry
		kind     string
		severity string
		deviceID sql.NullString
		detail   string
		at       int64
	)
	if err := row.Scan(&e.ID, &kind, &deviceID, &severity, &detail, &at); err != nil {
		return AuditEntry{}, err
	}
	e.Kind = AuditKind(kind)
	e.Severity = Severity(severity)
	e.DeviceID = deviceID.String
	e.At = time.UnixMilli(at)
	if detail != "" && detail != "{}" {
		if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
			return AuditEntry{}, fmt.Errorf("decode detail: %w", err)
		}
	}
	return e, nil
}
