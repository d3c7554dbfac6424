package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tgrelay/internal/model"
)

// AppendRuleLog records one rule evaluation outcome.
func (s *SQLite) AppendRuleLog(ctx context.Context, l *model.RuleLog) error {
	ts := now()
	res, err := s.writer.ExecContext(ctx,
		`INSERT INTO rule_logs (rule_id, message_id, message_type, action, detail, elapsed_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.RuleID, l.MessageID, l.MessageType, string(l.Action), l.Detail, l.ElapsedMS, fmtTime(ts),
	)
	if err != nil {
		return fmt.Errorf("insert rule log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	l.ID = id
	l.CreatedAt = ts
	return nil
}

// ListRuleLogs returns the most recent outcomes for a rule.
func (s *SQLite) ListRuleLogs(ctx context.Context, ruleID int64, limit int) ([]model.RuleLog, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT id, rule_id, message_id, message_type, action, detail, elapsed_ms, created_at
		 FROM rule_logs WHERE rule_id = ? ORDER BY id DESC LIMIT ?`, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("query rule logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []model.RuleLog
	for rows.Next() {
		var l model.RuleLog
		var action, created string
		if err := rows.Scan(&l.ID, &l.RuleID, &l.MessageID, &l.MessageType, &action, &l.Detail, &l.ElapsedMS, &created); err != nil {
			return nil, fmt.Errorf("scan rule log: %w", err)
		}
		l.Action = model.RuleAction(action)
		l.CreatedAt = parseTime(created)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// AppendErrorLog persists a structured error record.
func (s *SQLite) AppendErrorLog(ctx context.Context, l *model.ErrorLog) error {
	ts := now()
	res, err := s.writer.ExecContext(ctx,
		`INSERT INTO error_logs (level, module, function, message, traceback, context, rule_id, chat_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.Level, l.Module, l.Function, l.Message, truncate(l.Traceback, 4000),
		l.Context, l.RuleID, l.ChatID, fmtTime(ts),
	)
	if err != nil {
		return fmt.Errorf("insert error log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	l.ID = id
	l.CreatedAt = ts
	return nil
}

// AppendAudit persists an audit record.
func (s *SQLite) AppendAudit(ctx context.Context, a *model.AuditLog) error {
	ts := now()
	res, err := s.writer.ExecContext(ctx,
		`INSERT INTO audit_logs (actor, action, resource, res_id, source_ip, user_agent, details, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Actor, a.Action, a.Resource, a.ResID, a.SourceIP, a.UserAgent, a.Details, a.Status, fmtTime(ts),
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	a.ID = id
	a.CreatedAt = ts
	return nil
}

// FindSignature returns the first of sigs already recorded for the rule.
func (s *SQLite) FindSignature(ctx context.Context, ruleID int64, sigs []string) (string, bool, error) {
	for _, sig := range sigs {
		var found string
		err := s.reader.QueryRowContext(ctx,
			`SELECT signature FROM media_signatures WHERE rule_id = ? AND signature = ?`,
			ruleID, sig,
		).Scan(&found)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("find signature: %w", err)
		}
		return found, true, nil
	}
	return "", false, nil
}

// SaveSignatures records signatures for a rule; duplicates are ignored.
func (s *SQLite) SaveSignatures(ctx context.Context, ruleID int64, sigs []string, fileRef string) error {
	ts := fmtTime(now())
	for _, sig := range sigs {
		if _, err := s.writer.ExecContext(ctx,
			`INSERT OR IGNORE INTO media_signatures (rule_id, signature, file_ref, created_at)
			 VALUES (?, ?, ?, ?)`,
			ruleID, sig, fileRef, ts,
		); err != nil {
			return fmt.Errorf("save signature: %w", err)
		}
	}
	return nil
}

// DeleteSignatures drops the given signatures for a rule. Used by the
// lenient record policy to purge ghosts after a terminal delivery failure.
func (s *SQLite) DeleteSignatures(ctx context.Context, ruleID int64, sigs []string) error {
	for _, sig := range sigs {
		if _, err := s.writer.ExecContext(ctx,
			`DELETE FROM media_signatures WHERE rule_id = ? AND signature = ?`, ruleID, sig,
		); err != nil {
			return fmt.Errorf("delete signature: %w", err)
		}
	}
	return nil
}

// PurgeSignatures deletes signatures older than the cutoff.
func (s *SQLite) PurgeSignatures(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.writer.ExecContext(ctx,
		`DELETE FROM media_signatures WHERE created_at < ?`, fmtTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge signatures: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// GetConfigEntry returns a durable configuration entry.
func (s *SQLite) GetConfigEntry(ctx context.Context, key string) (*model.ConfigEntry, error) {
	var e model.ConfigEntry
	var encrypted int
	var updated string
	err := s.reader.QueryRowContext(ctx,
		`SELECT key, value, type, encrypted, updated_at FROM system_config WHERE key = ?`, key,
	).Scan(&e.Key, &e.Value, &e.Type, &encrypted, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get config entry: %w", err)
	}
	e.Encrypted = encrypted == 1
	e.UpdatedAt = parseTime(updated)
	return &e, nil
}

// SetConfigEntry writes a durable configuration entry.
func (s *SQLite) SetConfigEntry(ctx context.Context, e *model.ConfigEntry) error {
	e.UpdatedAt = now()
	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO system_config (key, value, type, encrypted, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
		   value = excluded.value, type = excluded.type,
		   encrypted = excluded.encrypted, updated_at = excluded.updated_at`,
		e.Key, e.Value, e.Type, boolToInt(e.Encrypted), fmtTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("set config entry: %w", err)
	}
	return nil
}
