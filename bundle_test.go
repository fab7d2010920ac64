package edgeguard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBundleFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRuleBundle_YAML(t *testing.T) {
	const logic = `signals: []`
	content := fmt.Sprintf(`
format_version: "1"
version: v7
changelog: quarterly formulary update
rules:
  - rule_id: noop
    category: prescribe
    rule_type: contraindication
    name: No-op
    priority: 3
    is_active: true
    rule_logic: '%s'
    checksum: %s
`, logic, RuleChecksum(logic))

	b, err := LoadRuleBundle(writeBundleFile(t, "rules.yaml", content))
	require.NoError(t, err)

	assert.Equal(t, "v7", b.Version)
	assert.Equal(t, "quarterly formulary update", b.Changelog)
	require.Len(t, b.Rules, 1)
	assert.Equal(t, "noop", b.Rules[0].RuleID)
	assert.Equal(t, 3, b.Rules[0].Priority)
	assert.True(t, b.Rules[0].IsActive)

	rs := newTestRuleStore(t, newTestStore(t))
	require.NoError(t, rs.ApplyVersion(context.Background(), b.Record(), b.Rules))
	assert.Equal(t, "v7", rs.ActiveVersion())
}

func TestRuleBundle_EncodeDecode(t *testing.T) {
	store := newTestStore(t)
	rs := newTestRuleStore(t, store)
	applyTestVersion(t, rs, "v1",
		makeRule("allergy-pcn", "prescribe", 10, penicillinLogic),
		makeRule("high-dose", "prescribe", 5, highDoseLogic),
	)

	b, err := BundleFromRuleSet(rs.Snapshot())
	require.NoError(t, err)
	assert.NotEmpty(t, b.Checksum)

	for _, format := range []BundleFormat{BundleYAML, BundleJSON} {
		t.Run(string(format), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, EncodeRuleBundle(&buf, format, b))

			decoded, err := DecodeRuleBundle(&buf, format)
			require.NoError(t, err)
			assert.Equal(t, BundleFormatVersion, decoded.FormatVersion)
			assert.Equal(t, b.Checksum, decoded.Checksum)
			require.Len(t, decoded.Rules, 2)

			// A bundle exported from one node applies cleanly on another.
			other := newTestRuleStore(t, newTestStore(t))
			require.NoError(t, other.ApplyVersion(context.Background(), decoded.Record(), decoded.Rules))
			assert.Equal(t, "v1", other.ActiveVersion())
			assert.Len(t, other.GetActiveRules("prescribe"), 2)
		})
	}
}

func TestRuleBundle_TamperedLogicRejected(t *testing.T) {
	rs := newTestRuleStore(t, newTestStore(t))
	applyTestVersion(t, rs, "v1", makeRule("allergy-pcn", "prescribe", 10, penicillinLogic))

	rule := makeRule("high-dose", "prescribe", 5, highDoseLogic)
	rule.RuleLogic = `signals: [{severity: "green", reason: "tampered"}]`
	b := &RuleBundle{Version: "v2", Rules: []RuleSnapshot{rule}}

	var buf bytes.Buffer
	require.NoError(t, EncodeRuleBundle(&buf, BundleJSON, b))
	decoded, err := DecodeRuleBundle(&buf, BundleJSON)
	require.NoError(t, err, "envelope is valid; integrity is checked on apply")

	err = rs.ApplyVersion(context.Background(), decoded.Record(), decoded.Rules)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
	assert.Equal(t, "v1", rs.ActiveVersion())
}

func TestRuleBundle_Errors(t *testing.T) {
	var ve *ValidationError

	_, err := LoadRuleBundle(writeBundleFile(t, "rules.txt", "version: v1"))
	assert.ErrorAs(t, err, &ve)

	_, err = DecodeRuleBundle(bytes.NewBufferString(`rules: []`), BundleYAML)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "version", ve.Field)

	_, err = DecodeRuleBundle(bytes.NewBufferString(`{"format_version":"9","version":"v1","rules":[]}`), BundleJSON)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "format_version", ve.Field)

	_, err = DecodeRuleBundle(bytes.NewBufferString(`{"version":"v1","rulez":[]}`), BundleJSON)
	assert.Error(t, err, "unknown JSON fields are rejected")

	_, err = LoadRuleBundle(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = BundleFromRuleSet(nil)
	assert.ErrorIs(t, err, ErrNoActiveRules)
}
