package edgeguard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const outboxColumns = `id, type, priority, payload, attempts, max_attempts, last_error, subject_id,
	status, created_at, scheduled_at, claimed_at, processed_at`

// InsertOutboxItem persists a new pending outbox item.
func (s *Store) InsertOutboxItem(ctx context.Context, item OutboxItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	return insertOutboxTx(ctx, s.db, item)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertOutboxTx(ctx context.Context, ex execer, item OutboxItem) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO outbox (id, type, priority, payload, attempts, max_attempts, last_error, subject_id, status, created_at, scheduled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID,
		item.Type,
		item.Priority,
		item.Payload,
		item.Attempts,
		item.MaxAttempts,
		item.LastError,
		item.SubjectID,
		string(item.Status),
		toMillis(item.CreatedAt),
		toMillis(item.ScheduledAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert outbox item: %w", err)
	}
	return nil
}

// ClaimOutboxBatch claims up to max due pending items, moving each to
// processing with a per-row conditional update. Rows claimed by a concurrent
// caller between selection and update are skipped.
func (s *Store) ClaimOutboxBatch(ctx context.Context, now time.Time, max int) ([]OutboxItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if max <= 0 {
		return nil, nil
	}

	var claimed []OutboxItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM outbox
			WHERE status = 'pending' AND scheduled_at <= ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT ?
		`, toMillis(now), max)
		if err != nil {
			return fmt.Errorf("store: select outbox candidates: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `
				UPDATE outbox SET status = 'processing', claimed_at = ?
				WHERE id = ? AND status = 'pending'
			`, toMillis(now), id)
			if err != nil {
				return fmt.Errorf("store: claim outbox item %s: %w", id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n != 1 {
				continue
			}
			item, err := getOutboxTx(ctx, tx, id)
			if err != nil {
				return err
			}
			claimed = append(claimed, *item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteOutboxItem marks an item completed and its subject record synced.
// Completing an already completed item is a no-op.
func (s *Store) CompleteOutboxItem(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		item, err := getOutboxTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if item.Status == OutboxCompleted {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE outbox SET status = 'completed', processed_at = ?, claimed_at = NULL
			WHERE id = ? AND status != 'completed'
		`, toMillis(now), id)
		if err != nil {
			return fmt.Errorf("store: complete outbox item %s: %w", id, err)
		}
		return setSubjectSyncStatus(ctx, tx, item, SyncSynced, &now)
	})
}

// FailOutboxItem records a failed delivery attempt for a processing item.
// The item is rescheduled at now+backoff(attempts) while attempts remain,
// otherwise it becomes terminally failed. Items not in processing are
// returned unchanged.
func (s *Store) FailOutboxItem(ctx context.Context, id, cause string, now time.Time, backoff func(attempts int) time.Duration) (*OutboxItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var result *OutboxItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		item, err := getOutboxTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if item.Status != OutboxProcessing {
			result = item
			return nil
		}

		item.Attempts++
		item.LastError = cause
		item.ClaimedAt = nil
		if item.Attempts >= item.MaxAttempts {
			item.Attempts = item.MaxAttempts
			item.Status = OutboxFailed
			processed := now
			item.ProcessedAt = &processed
		} else {
			item.Status = OutboxPending
			item.ScheduledAt = now.Add(backoff(item.Attempts))
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE outbox
			SET attempts = ?, last_error = ?, status = ?, scheduled_at = ?, claimed_at = NULL, processed_at = ?
			WHERE id = ? AND status = 'processing'
		`, item.Attempts, item.LastError, string(item.Status), toMillis(item.ScheduledAt), millisPtr(item.ProcessedAt), id)
		if err != nil {
			return fmt.Errorf("store: fail outbox item %s: %w", id, err)
		}

		if item.Status == OutboxFailed {
			if err := setSubjectSyncStatus(ctx, tx, item, SyncFailed, nil); err != nil {
				return err
			}
		}
		result = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RenewOutboxLease restamps claimed_at for an item the caller still holds.
// held is the claimed_at the caller last observed. Returns ErrLeaseLost when
// the item was recovered, reclaimed or settled since.
func (s *Store) RenewOutboxLease(ctx context.Context, id string, held, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET claimed_at = ?
		WHERE id = ? AND status = 'processing' AND claimed_at = ?
	`, toMillis(now), id, toMillis(held))
	if err != nil {
		return fmt.Errorf("store: renew outbox lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrLeaseLost
	}
	return nil
}

// ReleaseOutboxClaims returns items to pending only where claimed_at still
// matches the given claim time, leaving items another pass has reclaimed
// untouched. Returns the number of items released.
func (s *Store) ReleaseOutboxClaims(ctx context.Context, claims map[string]time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	if len(claims) == 0 {
		return 0, nil
	}

	released := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for id, held := range claims {
			res, err := tx.ExecContext(ctx, `
				UPDATE outbox SET status = 'pending', claimed_at = NULL
				WHERE id = ? AND status = 'processing' AND claimed_at = ?
			`, id, toMillis(held))
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			released += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: release outbox claims: %w", err)
	}
	return released, nil
}

// RecoverStaleOutbox resets processing items claimed at or before cutoff
// back to pending.
func (s *Store) RecoverStaleOutbox(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'pending', claimed_at = NULL
		WHERE status = 'processing' AND claimed_at <= ?
	`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: recover stale outbox: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RequeueOutboxItem resets a terminally failed item to pending with a fresh
// attempt budget. Returns ErrNotFound if id does not name a failed item.
func (s *Store) RequeueOutboxItem(ctx context.Context, id string, now time.Time) (*OutboxItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var result *OutboxItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		item, err := getOutboxTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if item.Status != OutboxFailed {
			return fmt.Errorf("store: requeue %s: status %s: %w", id, item.Status, ErrNotFound)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE outbox SET status = 'pending', attempts = 0, scheduled_at = ?, claimed_at = NULL, processed_at = NULL
			WHERE id = ? AND status = 'failed'
		`, toMillis(now), id)
		if err != nil {
			return fmt.Errorf("store: requeue outbox item %s: %w", id, err)
		}
		if err := setSubjectSyncStatus(ctx, tx, item, SyncPending, nil); err != nil {
			return err
		}

		item.Status = OutboxPending
		item.Attempts = 0
		item.ScheduledAt = now
		item.ProcessedAt = nil
		result = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PurgeCompletedOutbox deletes completed items processed before cutoff.
func (s *Store) PurgeCompletedOutbox(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox WHERE status = 'completed' AND processed_at < ?
	`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: purge completed outbox: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetOutboxItem returns one outbox item by ID.
func (s *Store) GetOutboxItem(ctx context.Context, id string) (*OutboxItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	return getOutboxTx(ctx, s.db, id)
}

// ListOutbox returns items with the given status, oldest first. A limit of
// zero or less returns all of them.
func (s *Store) ListOutbox(ctx context.Context, status OutboxStatus, limit int) ([]OutboxItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	query := `SELECT ` + outboxColumns + ` FROM outbox WHERE status = ? ORDER BY created_at ASC, id ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list outbox: %w", err)
	}
	defer rows.Close()

	var items []OutboxItem
	for rows.Next() {
		item, err := scanOutboxItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// OutboxCounts returns the number of items in each status.
func (s *Store) OutboxCounts(ctx context.Context) (*OutboxCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	return s.outboxCounts(ctx)
}

func (s *Store) outboxCounts(ctx context.Context) (*OutboxCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: count outbox: %w", err)
	}
	defer rows.Close()

	counts := &OutboxCounts{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch OutboxStatus(status) {
		case OutboxPending:
			counts.Pending = n
		case OutboxProcessing:
			counts.Processing = n
		case OutboxFailed:
			counts.Failed = n
		case OutboxCompleted:
			counts.Completed = n
		}
	}
	return counts, rows.Err()
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getOutboxTx(ctx context.Context, q queryRower, id string) (*OutboxItem, error) {
	row := q.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = ?`, id)
	item, err := scanOutboxItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get outbox item %s: %w", id, err)
	}
	return item, nil
}

func scanOutboxItem(row scanner) (*OutboxItem, error) {
	var (
		item        OutboxItem
		status      string
		createdAt   int64
		scheduledAt int64
		claimedAt   sql.NullInt64
		processedAt sql.NullInt64
	)
	err := row.Scan(
		&item.ID,
		&item.Type,
		&item.Priority,
		&item.Payload,
		&item.Attempts,
		&item.MaxAttempts,
		&item.LastError,
		&item.SubjectID,
		&status,
		&createdAt,
		&scheduledAt,
		&claimedAt,
		&processedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Status = OutboxStatus(status)
	item.CreatedAt = fromMillis(createdAt)
	item.ScheduledAt = fromMillis(scheduledAt)
	item.ClaimedAt = nullTime(claimedAt)
	item.ProcessedAt = nullTime(processedAt)
	return &item, nil
}

// subjectTable maps an outbox event type to the local table whose row it
// carries. Evaluation events reference the append-only log and have none.
func subjectTable(eventType string) string {
	switch eventType {
	case EventAssurance:
		return "assurance_events"
	case EventHumanFeedback:
		return "human_feedback"
	}
	return ""
}

func setSubjectSyncStatus(ctx context.Context, tx *sql.Tx, item *OutboxItem, status SyncStatus, syncedAt *time.Time) error {
	table := subjectTable(item.Type)
	if table == "" || item.SubjectID == "" {
		return nil
	}
	query := fmt.Sprintf(`UPDATE %s SET sync_status = ?, synced_at = ? WHERE id = ?`, table)
	if _, err := tx.ExecContext(ctx, query, string(status), millisPtr(syncedAt), item.SubjectID); err != nil {
		return fmt.Errorf("store: update %s sync status: %w", table, err)
	}
	return nil
}
