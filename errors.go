package edgeguard

import (
	"errors"
	"fmt"
)

// Common errors returned by the edgeguard engine.
var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrChecksumMismatch is returned when a rule's checksum does not match
	// the digest recomputed from its logic. Fatal to the apply attempt only.
	ErrChecksumMismatch = errors.New("rule checksum mismatch")

	// ErrInvalidRuleLogic is returned when a rule's logic cannot be compiled.
	ErrInvalidRuleLogic = errors.New("invalid rule logic")

	// ErrNoActiveRules is returned when no rule version has been applied yet.
	ErrNoActiveRules = errors.New("no active rule version")

	// ErrCacheMiss is returned when a patient fact is absent or expired.
	ErrCacheMiss = errors.New("patient fact not cached")

	// ErrInvalidPatientHash is returned when a patient key is not a
	// de-identified digest.
	ErrInvalidPatientHash = errors.New("patient hash must be a hex digest")

	// ErrDeliveryFailed is returned when an outbox item could not be delivered.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrExhaustedRetries is returned when an outbox item reached its attempt limit.
	ErrExhaustedRetries = errors.New("delivery retries exhausted")

	// ErrConnectivity is returned when the cloud connectivity probe fails.
	ErrConnectivity = errors.New("cloud unreachable")

	// ErrOffline is returned when a network operation is attempted while the
	// node is offline or has no cloud configured.
	ErrOffline = errors.New("operation unavailable in offline mode")

	// ErrLeaseLost is returned when an outbox claim was recovered or
	// reclaimed by another drain pass.
	ErrLeaseLost = errors.New("outbox lease lost")
)

// ValidationError is returned when configuration or input validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// ChecksumMismatchError identifies the rule that failed verification.
// errors.Is(err, ErrChecksumMismatch) reports true.
type ChecksumMismatchError struct {
	RuleID   string
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("rule set checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
	}
	return fmt.Sprintf("rule %s: checksum mismatch: expected %s, got %s", e.RuleID, e.Expected, e.Actual)
}

func (e *ChecksumMismatchError) Is(target error) bool { return target == ErrChecksumMismatch }

// CloudError is returned when a call to the cloud authority or ingestion
// boundary fails. Extractable via errors.As(). Supports Unwrap().
//
// Kind selects the taxonomy sentinel the error matches with errors.Is:
// ErrDeliveryFailed for ingestion, ErrConnectivity for probes.
type CloudError struct {
	Operation  string
	StatusCode int
	Err        error
	Kind       error
}

func (e *CloudError) Error() string {
	return fmt.Sprintf("cloud: %s failed (status %d): %v", e.Operation, e.StatusCode, e.Err)
}

func (e *CloudError) Unwrap() error { return e.Err }

func (e *CloudError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}
