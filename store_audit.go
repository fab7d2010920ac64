package edgeguard

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// InsertEvaluation appends one evaluation log row together with any derived
// outbox events in a single transaction.
func (s *Store) InsertEvaluation(ctx context.Context, entry EvaluationLog, events []OutboxItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	signals := entry.Signals
	if signals == nil {
		signals = []Signal{}
	}
	signalsJSON, err := json.Marshal(signals)
	if err != nil {
		return fmt.Errorf("store: encode signals: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO evaluation_log (id, patient_hash, action, result_color, signal_count, signals, rule_version,
				evaluation_ms, overridden, override_by, override_reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			entry.ID,
			entry.PatientHash,
			entry.Action,
			string(entry.ResultColor),
			entry.SignalCount,
			string(signalsJSON),
			entry.RuleVersion,
			entry.EvaluationMs,
			boolToInt(entry.Overridden),
			nullString(entry.OverrideBy),
			nullString(entry.OverrideReason),
			toMillis(entry.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("store: insert evaluation log: %w", err)
		}

		for _, ev := range events {
			if err := insertOutboxTx(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetEvaluation returns one evaluation log row.
func (s *Store) GetEvaluation(ctx context.Context, id string) (*EvaluationLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, patient_hash, action, result_color, signal_count, signals, rule_version,
			evaluation_ms, overridden, override_by, override_reason, created_at
		FROM evaluation_log WHERE id = ?
	`, id)
	entry, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get evaluation: %w", err)
	}
	return entry, nil
}

// EachEvaluation calls fn for every evaluation created at or after since,
// oldest first. Iteration stops at the first error fn returns.
func (s *Store) EachEvaluation(ctx context.Context, since time.Time, fn func(EvaluationLog) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, patient_hash, action, result_color, signal_count, signals, rule_version,
			evaluation_ms, overridden, override_by, override_reason, created_at
		FROM evaluation_log WHERE created_at >= ?
		ORDER BY created_at ASC, id ASC
	`, toMillis(since))
	if err != nil {
		return fmt.Errorf("store: query evaluations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanEvaluation(rows)
		if err != nil {
			return fmt.Errorf("store: scan evaluation: %w", err)
		}
		if err := fn(*entry); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanEvaluation(row scanner) (*EvaluationLog, error) {
	var (
		entry          EvaluationLog
		color          string
		signalsJSON    string
		overridden     int
		overrideBy     sql.NullString
		overrideReason sql.NullString
		createdAt      int64
	)
	err := row.Scan(&entry.ID, &entry.PatientHash, &entry.Action, &color, &entry.SignalCount, &signalsJSON,
		&entry.RuleVersion, &entry.EvaluationMs, &overridden, &overrideBy, &overrideReason, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(signalsJSON), &entry.Signals); err != nil {
		return nil, fmt.Errorf("decode signals: %w", err)
	}
	entry.ResultColor = Color(color)
	entry.Overridden = overridden == 1
	entry.OverrideBy = overrideBy.String
	entry.OverrideReason = overrideReason.String
	entry.CreatedAt = fromMillis(createdAt)
	return &entry, nil
}

// InsertAssuranceEvent stores an assurance event and its outbox item in one
// transaction.
func (s *Store) InsertAssuranceEvent(ctx context.Context, ev AssuranceEvent, item OutboxItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	snapshot := ev.InputContextSnapshot
	if snapshot == nil {
		snapshot = map[string]any{}
	}
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("store: encode input context snapshot: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO assurance_events (id, patient_hash, encounter_id, event_type, input_context_snapshot,
				ai_recommendation, ai_confidence, ai_provider, ai_latency_ms, human_decision, human_override,
				override_reason, rule_version_id, clinic_id, sync_status, synced_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			ev.ID,
			ev.PatientHash,
			nullString(ev.EncounterID),
			ev.EventType,
			string(snapshotJSON),
			ev.AIRecommendation,
			ev.AIConfidence,
			nullString(ev.AIProvider),
			ev.AILatencyMs,
			nullString(ev.HumanDecision),
			boolToInt(ev.HumanOverride),
			nullString(ev.OverrideReason),
			nullString(ev.RuleVersionID),
			ev.ClinicID,
			string(ev.SyncStatus),
			millisPtr(ev.SyncedAt),
			toMillis(ev.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("store: insert assurance event: %w", err)
		}
		return insertOutboxTx(ctx, tx, item)
	})
}

// InsertHumanFeedback stores feedback and its outbox item in one
// transaction. Returns ErrNotFound if the assurance event does not exist.
func (s *Store) InsertHumanFeedback(ctx context.Context, fb HumanFeedback, item OutboxItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM assurance_events WHERE id = ?`, fb.AssuranceEventID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: assurance event %s: %w", fb.AssuranceEventID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("store: check assurance event: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO human_feedback (id, assurance_event_id, feedback_type, feedback_value, source, sync_status, synced_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			fb.ID,
			fb.AssuranceEventID,
			fb.FeedbackType,
			fb.FeedbackValue,
			fb.Source,
			string(fb.SyncStatus),
			millisPtr(fb.SyncedAt),
			toMillis(fb.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("store: insert human feedback: %w", err)
		}
		return insertOutboxTx(ctx, tx, item)
	})
}

// GetAssuranceEvent returns an assurance event with its feedback attached.
func (s *Store) GetAssuranceEvent(ctx context.Context, id string) (*AssuranceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var (
		ev             AssuranceEvent
		encounterID    sql.NullString
		snapshotJSON   string
		confidence     sql.NullFloat64
		provider       sql.NullString
		latency        sql.NullInt64
		decision       sql.NullString
		humanOverride  int
		overrideReason sql.NullString
		ruleVersion    sql.NullString
		syncStatus     string
		syncedAt       sql.NullInt64
		createdAt      int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, patient_hash, encounter_id, event_type, input_context_snapshot, ai_recommendation,
			ai_confidence, ai_provider, ai_latency_ms, human_decision, human_override, override_reason,
			rule_version_id, clinic_id, sync_status, synced_at, created_at
		FROM assurance_events WHERE id = ?
	`, id).Scan(&ev.ID, &ev.PatientHash, &encounterID, &ev.EventType, &snapshotJSON, &ev.AIRecommendation,
		&confidence, &provider, &latency, &decision, &humanOverride, &overrideReason,
		&ruleVersion, &ev.ClinicID, &syncStatus, &syncedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get assurance event: %w", err)
	}

	if err := json.Unmarshal([]byte(snapshotJSON), &ev.InputContextSnapshot); err != nil {
		return nil, fmt.Errorf("store: decode input context snapshot: %w", err)
	}
	ev.EncounterID = encounterID.String
	if confidence.Valid {
		ev.AIConfidence = &confidence.Float64
	}
	ev.AIProvider = provider.String
	if latency.Valid {
		ev.AILatencyMs = &latency.Int64
	}
	ev.HumanDecision = decision.String
	ev.HumanOverride = humanOverride == 1
	ev.OverrideReason = overrideReason.String
	ev.RuleVersionID = ruleVersion.String
	ev.SyncStatus = SyncStatus(syncStatus)
	ev.SyncedAt = nullTime(syncedAt)
	ev.CreatedAt = fromMillis(createdAt)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, assurance_event_id, feedback_type, feedback_value, source, sync_status, synced_at, created_at
		FROM human_feedback WHERE assurance_event_id = ?
		ORDER BY created_at ASC, id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("store: query feedback: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			fb        HumanFeedback
			status    string
			fbSynced  sql.NullInt64
			fbCreated int64
		)
		if err := rows.Scan(&fb.ID, &fb.AssuranceEventID, &fb.FeedbackType, &fb.FeedbackValue, &fb.Source,
			&status, &fbSynced, &fbCreated); err != nil {
			return nil, fmt.Errorf("store: scan feedback: %w", err)
		}
		fb.SyncStatus = SyncStatus(status)
		fb.SyncedAt = nullTime(fbSynced)
		fb.CreatedAt = fromMillis(fbCreated)
		ev.Feedback = append(ev.Feedback, fb)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &ev, nil
}

// GetHumanFeedback returns one feedback record.
func (s *Store) GetHumanFeedback(ctx context.Context, id string) (*HumanFeedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var (
		fb       HumanFeedback
		status   string
		syncedAt sql.NullInt64
		created  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, assurance_event_id, feedback_type, feedback_value, source, sync_status, synced_at, created_at
		FROM human_feedback WHERE id = ?
	`, id).Scan(&fb.ID, &fb.AssuranceEventID, &fb.FeedbackType, &fb.FeedbackValue, &fb.Source, &status, &syncedAt, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get human feedback: %w", err)
	}
	fb.SyncStatus = SyncStatus(status)
	fb.SyncedAt = nullTime(syncedAt)
	fb.CreatedAt = fromMillis(created)
	return &fb, nil
}
