package edgeguard

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	ruleSetDomain     = "edgeguard/ruleset/v1"
	rejectedKeyDomain = "edgeguard/rejected-key/v1"
)

// RuleChecksum returns the hex SHA-256 digest of the NFC-normalized rule logic.
func RuleChecksum(logic string) string {
	sum := sha256.Sum256([]byte(norm.NFC.String(logic)))
	return hex.EncodeToString(sum[:])
}

// RuleSetChecksum returns the aggregate digest of a rule version: SHA-256
// over a domain prefix followed by "ruleId:checksum" lines sorted by rule ID.
func RuleSetChecksum(rules []RuleSnapshot) string {
	lines := make([]string, len(rules))
	for i, r := range rules {
		lines[i] = r.RuleID + ":" + strings.ToLower(r.Checksum)
	}
	sort.Strings(lines)

	h := sha256.New()
	h.Write([]byte(ruleSetDomain))
	h.Write([]byte{0})
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// rejectedKeyDigest stands in for a patient key that failed validation so
// the audit trail records the request without storing the raw value.
func rejectedKeyDigest(key string) string {
	h := sha256.New()
	h.Write([]byte(rejectedKeyDomain))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyRule recomputes a rule's checksum and compares it to the declared one.
func VerifyRule(r RuleSnapshot) error {
	actual := RuleChecksum(r.RuleLogic)
	if !strings.EqualFold(actual, r.Checksum) {
		return &ChecksumMismatchError{RuleID: r.RuleID, Expected: r.Checksum, Actual: actual}
	}
	return nil
}
