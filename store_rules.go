package edgeguard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ReplaceRuleVersion swaps the cached rule set in one transaction: the
// previous version record is deactivated, rec is inserted (or reactivated)
// and rule_cache is replaced by rules. Callers verify rules beforehand.
func (s *Store) ReplaceRuleVersion(ctx context.Context, rec RuleVersionRecord, rules []RuleSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE rule_versions SET is_active = 0 WHERE is_active = 1`); err != nil {
			return fmt.Errorf("store: deactivate rule version: %w", err)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO rule_versions (version, timestamp, checksum, is_active, changelog, applied_at)
			VALUES (?, ?, ?, 1, ?, ?)
			ON CONFLICT(version) DO UPDATE SET
				timestamp = excluded.timestamp,
				checksum = excluded.checksum,
				is_active = 1,
				changelog = excluded.changelog,
				applied_at = excluded.applied_at
		`, rec.Version, toMillis(rec.Timestamp), rec.Checksum, rec.Changelog, toMillis(rec.AppliedAt))
		if err != nil {
			return fmt.Errorf("store: activate rule version %s: %w", rec.Version, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM rule_cache`); err != nil {
			return fmt.Errorf("store: clear rule cache: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO rule_cache (rule_id, category, rule_type, name, priority, is_active, rule_logic, version, checksum, synced_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("store: prepare rule insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range rules {
			_, err := stmt.ExecContext(ctx,
				r.RuleID,
				r.Category,
				r.RuleType,
				r.Name,
				r.Priority,
				boolToInt(r.IsActive),
				r.RuleLogic,
				rec.Version,
				r.Checksum,
				toMillis(r.SyncedAt),
				millisPtr(r.ExpiresAt),
			)
			if err != nil {
				return fmt.Errorf("store: insert rule %s: %w", r.RuleID, err)
			}
		}
		return nil
	})
}

// LoadActiveRules returns the active version record and its cached rules.
// The record is nil when no version has ever been applied.
func (s *Store) LoadActiveRules(ctx context.Context) (*RuleVersionRecord, []RuleSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, nil, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT version, timestamp, checksum, is_active, changelog, applied_at
		FROM rule_versions WHERE is_active = 1
	`)
	rec, err := scanRuleVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("store: load active rule version: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, category, rule_type, name, priority, is_active, rule_logic, version, checksum, synced_at, expires_at
		FROM rule_cache WHERE version = ?
		ORDER BY rule_id
	`, rec.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("store: load rule cache: %w", err)
	}
	defer rows.Close()

	var rules []RuleSnapshot
	for rows.Next() {
		var (
			r         RuleSnapshot
			active    int
			syncedAt  int64
			expiresAt sql.NullInt64
		)
		if err := rows.Scan(&r.RuleID, &r.Category, &r.RuleType, &r.Name, &r.Priority, &active,
			&r.RuleLogic, &r.Version, &r.Checksum, &syncedAt, &expiresAt); err != nil {
			return nil, nil, fmt.Errorf("store: scan rule: %w", err)
		}
		r.IsActive = active == 1
		r.SyncedAt = fromMillis(syncedAt)
		r.ExpiresAt = nullTime(expiresAt)
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	return rec, rules, nil
}

// RuleVersions returns every version record ever applied, newest first.
func (s *Store) RuleVersions(ctx context.Context) ([]RuleVersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT version, timestamp, checksum, is_active, changelog, applied_at
		FROM rule_versions ORDER BY applied_at DESC, version DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list rule versions: %w", err)
	}
	defer rows.Close()

	var versions []RuleVersionRecord
	for rows.Next() {
		rec, err := scanRuleVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan rule version: %w", err)
		}
		versions = append(versions, *rec)
	}
	return versions, rows.Err()
}

func scanRuleVersion(row scanner) (*RuleVersionRecord, error) {
	var (
		rec       RuleVersionRecord
		timestamp int64
		active    int
		appliedAt int64
	)
	if err := row.Scan(&rec.Version, &timestamp, &rec.Checksum, &active, &rec.Changelog, &appliedAt); err != nil {
		return nil, err
	}
	rec.Timestamp = fromMillis(timestamp)
	rec.IsActive = active == 1
	rec.AppliedAt = fromMillis(appliedAt)
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
