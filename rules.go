package edgeguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/edgeguard/internal/logging"
)

// RuleSet is an immutable, verified rule version. Evaluators read it through
// an atomic pointer and never observe a partially applied version.
type RuleSet struct {
	Version RuleVersionRecord
	rules   []RuleSnapshot
}

func newRuleSet(rec RuleVersionRecord, rules []RuleSnapshot) *RuleSet {
	sorted := make([]RuleSnapshot, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].RuleID < sorted[j].RuleID
	})
	return &RuleSet{Version: rec, rules: sorted}
}

// Active returns the usable rules of a category at now, ordered by priority
// descending then rule ID. An empty category matches every rule.
func (rs *RuleSet) Active(category string, now time.Time) []RuleSnapshot {
	if rs == nil {
		return nil
	}
	var out []RuleSnapshot
	for _, r := range rs.rules {
		if !r.IsActive {
			continue
		}
		if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
			continue
		}
		if category != "" && r.Category != category {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Len returns the number of rules in the version, active or not.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// RuleStore holds the active rule version. Reads are lock-free; ApplyVersion
// calls are serialized.
type RuleStore struct {
	store    *Store
	compiler LogicCompiler
	logger   *slog.Logger
	now      func() time.Time

	applyMu sync.Mutex
	current atomic.Pointer[RuleSet]
}

// NewRuleStore loads the active version persisted in store and re-verifies
// every checksum. A cache that fails verification is not loaded, so
// evaluations fail closed until a valid version is applied. compiler and
// logger may be nil.
func NewRuleStore(ctx context.Context, store *Store, compiler LogicCompiler, logger *slog.Logger) (*RuleStore, error) {
	rs := &RuleStore{
		store:    store,
		compiler: compiler,
		logger:   logging.Component(logger, "rules"),
		now:      func() time.Time { return time.Now().UTC() },
	}

	rec, rules, err := store.LoadActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("rules: load active version: %w", err)
	}
	if rec == nil {
		return rs, nil
	}

	if err := rs.verify(*rec, rules); err != nil {
		rs.logger.Error("cached rule version failed verification; starting without rules",
			"version", rec.Version, "error", err)
		return rs, nil
	}

	rs.current.Store(newRuleSet(*rec, rules))
	rs.logger.Info("rule version loaded", "version", rec.Version, "rules", len(rules))
	return rs, nil
}

// Snapshot returns the active rule set, or nil if none is loaded.
func (rs *RuleStore) Snapshot() *RuleSet {
	return rs.current.Load()
}

// ActiveVersion returns the active version string, or "" if none.
func (rs *RuleStore) ActiveVersion() string {
	if set := rs.current.Load(); set != nil {
		return set.Version.Version
	}
	return ""
}

// GetActiveRules returns active, unexpired rules for category ordered by
// priority descending then rule ID. An empty category returns all of them.
func (rs *RuleStore) GetActiveRules(category string) []RuleSnapshot {
	return rs.current.Load().Active(category, rs.now())
}

// Versions returns the applied version history, newest first.
func (rs *RuleStore) Versions(ctx context.Context) ([]RuleVersionRecord, error) {
	return rs.store.RuleVersions(ctx)
}

// ApplyVersion verifies and atomically activates a rule version. On any
// verification or persistence failure the previously active version stays
// active and the error is returned.
func (rs *RuleStore) ApplyVersion(ctx context.Context, rec RuleVersionRecord, rules []RuleSnapshot) error {
	if rec.Version == "" {
		return &ValidationError{Field: "version", Message: "must not be empty"}
	}

	rs.applyMu.Lock()
	defer rs.applyMu.Unlock()

	now := rs.now()
	prepared := make([]RuleSnapshot, len(rules))
	for i, r := range rules {
		r.Version = rec.Version
		if r.SyncedAt.IsZero() {
			r.SyncedAt = now
		}
		prepared[i] = r
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	rec.AppliedAt = now
	rec.IsActive = true

	if err := rs.verify(rec, prepared); err != nil {
		rs.logger.Warn("rule version rejected", "version", rec.Version, "error", err)
		return err
	}
	if rec.Checksum == "" {
		rec.Checksum = RuleSetChecksum(prepared)
	}

	if err := rs.store.ReplaceRuleVersion(ctx, rec, prepared); err != nil {
		return fmt.Errorf("rules: apply %s: %w", rec.Version, err)
	}

	previous := rs.ActiveVersion()
	rs.current.Store(newRuleSet(rec, prepared))
	rs.logger.Info("rule version applied", "version", rec.Version, "previous", previous, "rules", len(prepared))
	return nil
}

func (rs *RuleStore) verify(rec RuleVersionRecord, rules []RuleSnapshot) error {
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if r.RuleID == "" {
			return &ValidationError{Field: "rule_id", Message: "must not be empty"}
		}
		if _, dup := seen[r.RuleID]; dup {
			return &ValidationError{Field: "rule_id", Message: fmt.Sprintf("duplicate rule %s", r.RuleID)}
		}
		seen[r.RuleID] = struct{}{}

		if err := VerifyRule(r); err != nil {
			return err
		}
	}

	if rec.Checksum != "" {
		actual := RuleSetChecksum(rules)
		if !strings.EqualFold(actual, rec.Checksum) {
			return &ChecksumMismatchError{Expected: rec.Checksum, Actual: actual}
		}
	}

	if rs.compiler != nil {
		for _, r := range rules {
			if err := rs.compiler.CompileRule(r); err != nil {
				if !errors.Is(err, ErrInvalidRuleLogic) {
					err = fmt.Errorf("rule %s: %w: %v", r.RuleID, ErrInvalidRuleLogic, err)
				}
				return err
			}
		}
	}
	return nil
}
