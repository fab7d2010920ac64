package edgeguard

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GetPatientFact returns the cached fact for hash regardless of expiry.
// Returns ErrNotFound when no row exists.
func (s *Store) GetPatientFact(ctx context.Context, hash string) (*PatientFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT patient_hash, clinic_id, medications, allergies, diagnoses, plan_info, last_updated, expires_at
		FROM patient_cache WHERE patient_hash = ?
	`, hash)

	var (
		f           PatientFact
		meds        string
		allergies   string
		diagnoses   string
		planInfo    sql.NullString
		lastUpdated int64
		expiresAt   int64
	)
	err := row.Scan(&f.PatientHash, &f.ClinicID, &meds, &allergies, &diagnoses, &planInfo, &lastUpdated, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get patient fact: %w", err)
	}

	if f.Medications, err = unmarshalList(meds); err != nil {
		return nil, fmt.Errorf("store: decode medications: %w", err)
	}
	if f.Allergies, err = unmarshalList(allergies); err != nil {
		return nil, fmt.Errorf("store: decode allergies: %w", err)
	}
	if f.Diagnoses, err = unmarshalList(diagnoses); err != nil {
		return nil, fmt.Errorf("store: decode diagnoses: %w", err)
	}
	if planInfo.Valid && planInfo.String != "" {
		if err := json.Unmarshal([]byte(planInfo.String), &f.PlanInfo); err != nil {
			return nil, fmt.Errorf("store: decode plan info: %w", err)
		}
	}
	f.LastUpdated = fromMillis(lastUpdated)
	f.ExpiresAt = fromMillis(expiresAt)

	return &f, nil
}

// UpsertPatientFact inserts or replaces the cached fact keyed by its hash.
func (s *Store) UpsertPatientFact(ctx context.Context, f PatientFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	meds, err := marshalList(f.Medications)
	if err != nil {
		return fmt.Errorf("store: encode medications: %w", err)
	}
	allergies, err := marshalList(f.Allergies)
	if err != nil {
		return fmt.Errorf("store: encode allergies: %w", err)
	}
	diagnoses, err := marshalList(f.Diagnoses)
	if err != nil {
		return fmt.Errorf("store: encode diagnoses: %w", err)
	}
	var planInfo *string
	if f.PlanInfo != nil {
		b, err := json.Marshal(f.PlanInfo)
		if err != nil {
			return fmt.Errorf("store: encode plan info: %w", err)
		}
		planInfo = nullString(string(b))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO patient_cache (patient_hash, clinic_id, medications, allergies, diagnoses, plan_info, last_updated, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(patient_hash) DO UPDATE SET
			clinic_id = excluded.clinic_id,
			medications = excluded.medications,
			allergies = excluded.allergies,
			diagnoses = excluded.diagnoses,
			plan_info = excluded.plan_info,
			last_updated = excluded.last_updated,
			expires_at = excluded.expires_at
	`,
		f.PatientHash,
		f.ClinicID,
		meds,
		allergies,
		diagnoses,
		planInfo,
		toMillis(f.LastUpdated),
		toMillis(f.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("store: upsert patient fact: %w", err)
	}
	return nil
}

// DeleteExpiredPatientFacts removes facts whose expiry is at or before now.
func (s *Store) DeleteExpiredPatientFacts(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM patient_cache WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("store: sweep patient cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
