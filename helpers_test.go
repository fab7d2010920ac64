package edgeguard

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

const testPatientHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

const penicillinLogic = `
input: _
signals: [
	for a in input.patient.allergies if a == "penicillin" {
		severity: "red"
		reason:   "documented penicillin allergy"
		code:     "allergy.penicillin"
	},
]
`

const highDoseLogic = `
input: _
signals: [
	if input.context.dose_mg > 1000 {
		severity: "yellow"
		reason:   "dose above 1000mg"
	},
]
`

// makeRule returns an active rule whose checksum matches its logic.
func makeRule(id, category string, priority int, logic string) RuleSnapshot {
	return RuleSnapshot{
		RuleID:    id,
		Category:  category,
		RuleType:  "contraindication",
		Name:      id,
		Priority:  priority,
		IsActive:  true,
		RuleLogic: logic,
		Checksum:  RuleChecksum(logic),
	}
}

// fakeClock is a settable clock shared by components under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// applyTestVersion applies version with the given rules or fails the test.
func applyTestVersion(t *testing.T, rs *RuleStore, version string, rules ...RuleSnapshot) {
	t.Helper()
	if err := rs.ApplyVersion(context.Background(), RuleVersionRecord{Version: version}, rules); err != nil {
		t.Fatalf("ApplyVersion(%s) failed: %v", version, err)
	}
}

func mustPayload(i int) []byte {
	return []byte(fmt.Sprintf(`{"n":%d}`, i))
}
