package edgeguard

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"
)

// DefaultPatientTTL is how long a cached patient fact stays usable.
const DefaultPatientTTL = 24 * time.Hour

// PatientCache is a TTL'd cache of de-identified patient facts backed by the
// store. Expired facts are never returned.
type PatientCache struct {
	store    *Store
	clinicID string
	ttl      atomic.Int64
	now      func() time.Time
}

// NewPatientCache returns a cache writing facts for clinicID. A ttl of zero
// or less uses DefaultPatientTTL.
func NewPatientCache(store *Store, clinicID string, ttl time.Duration) *PatientCache {
	c := &PatientCache{
		store:    store,
		clinicID: clinicID,
		now:      func() time.Time { return time.Now().UTC() },
	}
	c.SetTTL(ttl)
	return c
}

// SetTTL changes the TTL applied to subsequent writes.
func (c *PatientCache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultPatientTTL
	}
	c.ttl.Store(int64(ttl))
}

// TTL returns the TTL applied to writes.
func (c *PatientCache) TTL() time.Duration {
	return time.Duration(c.ttl.Load())
}

// Get returns the fact for hash. Returns ErrCacheMiss if it is absent or
// its expiry is at or before now.
func (c *PatientCache) Get(ctx context.Context, hash string) (*PatientFact, error) {
	if err := ValidatePatientHash(hash); err != nil {
		return nil, err
	}

	fact, err := c.store.GetPatientFact(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("patients: get: %w", err)
	}
	if fact.Expired(c.now()) {
		return nil, ErrCacheMiss
	}
	return fact, nil
}

// Put upserts a fact, stamping LastUpdated and ExpiresAt from the cache
// clock and TTL.
func (c *PatientCache) Put(ctx context.Context, fact PatientFact) (*PatientFact, error) {
	if err := ValidatePatientHash(fact.PatientHash); err != nil {
		return nil, err
	}

	now := c.now()
	if fact.ClinicID == "" {
		fact.ClinicID = c.clinicID
	}
	if fact.Medications == nil {
		fact.Medications = []string{}
	}
	if fact.Allergies == nil {
		fact.Allergies = []string{}
	}
	if fact.Diagnoses == nil {
		fact.Diagnoses = []string{}
	}
	fact.LastUpdated = now
	fact.ExpiresAt = now.Add(c.TTL())

	if err := c.store.UpsertPatientFact(ctx, fact); err != nil {
		return nil, fmt.Errorf("patients: put: %w", err)
	}
	return &fact, nil
}

// Sweep deletes expired facts and returns how many were removed.
func (c *PatientCache) Sweep(ctx context.Context) (int, error) {
	n, err := c.store.DeleteExpiredPatientFacts(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("patients: sweep: %w", err)
	}
	return n, nil
}

// ValidatePatientHash checks that hash is a hex digest of 32 to 128
// characters. Anything else may be a direct identifier and is rejected.
func ValidatePatientHash(hash string) error {
	if len(hash) < 32 || len(hash) > 128 {
		return ErrInvalidPatientHash
	}
	if _, err := hex.DecodeString(evenHex(hash)); err != nil {
		return ErrInvalidPatientHash
	}
	return nil
}

func evenHex(s string) string {
	if len(s)%2 == 1 {
		return "0" + s
	}
	return s
}

// HashPatientIdentifier derives a patientHash from a direct identifier with
// keyed BLAKE2b-256. The key must be 1 to 64 bytes and stay constant for a
// clinic, or cached facts become unreachable.
func HashPatientIdentifier(key []byte, identifier string) (string, error) {
	if len(key) == 0 {
		return "", &ValidationError{Field: "patient_hash_key", Message: "required"}
	}
	h, err := blake2b.New256(key)
	if err != nil {
		return "", &ValidationError{Field: "patient_hash_key", Message: err.Error()}
	}
	h.Write([]byte(identifier))
	return hex.EncodeToString(h.Sum(nil)), nil
}
