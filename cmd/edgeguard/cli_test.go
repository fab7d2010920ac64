package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperengineering/edgeguard"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const testPatient = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

const penicillinLogic = `
input: _
signals: [
	for a in input.patient.allergies if a == "penicillin" {
		severity: "red"
		reason:   "documented penicillin allergy"
	},
]
`

// testEnv points the CLI at a fresh database and clears flag state left by
// earlier tests. Returns the temp directory.
func testEnv(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("EDGEGUARD_HOME", dir)
	t.Setenv("EDGEGUARD_DB_PATH", filepath.Join(dir, "node.db"))
	t.Setenv("EDGEGUARD_CLINIC", "north")
	t.Setenv("EDGEGUARD_CLOUD_URL", "")
	t.Setenv("EDGEGUARD_API_KEY", "")
	t.Setenv("EDGEGUARD_CONFIG", "")
	t.Setenv("EDGEGUARD_LOG_LEVEL", "error")
	t.Setenv("EDGEGUARD_PATIENT_HASH_KEY", "test-secret")

	resetFlags(rootCmd)
	t.Cleanup(func() { resetFlags(rootCmd) })
	t.Cleanup(setMockTTY(false))
	return dir
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// execute runs the root command and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), err
}

// writeBundle writes a one-rule bundle in category and returns its path.
func writeBundle(t *testing.T, dir, version, category string) string {
	t.Helper()
	rules := []edgeguard.RuleSnapshot{{
		RuleID:    "allergy-pcn",
		Category:  category,
		RuleType:  "contraindication",
		Name:      "Penicillin allergy",
		Priority:  10,
		IsActive:  true,
		RuleLogic: penicillinLogic,
		Checksum:  edgeguard.RuleChecksum(penicillinLogic),
	}}
	bundle := &edgeguard.RuleBundle{
		Version:   version,
		Checksum:  edgeguard.RuleSetChecksum(rules),
		Changelog: "## " + version + "\n\n- Penicillin allergy check",
		Rules:     rules,
	}

	path := filepath.Join(dir, "rules-"+version+".yaml")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create bundle: %v", err)
	}
	defer f.Close()
	if err := edgeguard.EncodeRuleBundle(f, edgeguard.BundleYAML, bundle); err != nil {
		t.Fatalf("encode bundle: %v", err)
	}
	return path
}

func decodeEvaluation(t *testing.T, out string) edgeguard.EvaluationResult {
	t.Helper()
	var res edgeguard.EvaluationResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode evaluation %q: %v", out, err)
	}
	return res
}

func TestCLI_Help_ListsAllCommands(t *testing.T) {
	testEnv(t)

	out, err := execute(t, "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, name := range []string{"run", "evaluate", "patient", "rules", "outbox", "sync", "stats", "health", "export", "key", "mcp", "version"} {
		if !strings.Contains(out, name) {
			t.Errorf("--help output should contain %q command", name)
		}
	}
}

func TestCLI_Evaluate_FailsClosedWithoutRules(t *testing.T) {
	testEnv(t)

	out, err := execute(t, "evaluate", "--patient", testPatient, "--action", "prescribe", "--json")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	res := decodeEvaluation(t, out)
	if res.Color != edgeguard.ColorRed {
		t.Errorf("Color = %s, want red", res.Color)
	}
	if res.LogID == "" {
		t.Error("evaluation should be audited")
	}
}

func TestCLI_RulesApplyThenEvaluate(t *testing.T) {
	dir := testEnv(t)
	bundle := writeBundle(t, dir, "v1", "prescribe")

	out, err := execute(t, "rules", "apply", bundle)
	if err != nil {
		t.Fatalf("rules apply: %v", err)
	}
	if !strings.Contains(out, "Activated rule version v1 (1 rules)") {
		t.Errorf("unexpected apply output: %q", out)
	}

	resetFlags(rootCmd)
	if _, err := execute(t, "patient", "put", "--patient", testPatient, "--allergy", "penicillin"); err != nil {
		t.Fatalf("patient put: %v", err)
	}

	resetFlags(rootCmd)
	out, err = execute(t, "evaluate", "--patient", testPatient, "--action", "prescribe", "--json")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	res := decodeEvaluation(t, out)
	if res.Color != edgeguard.ColorRed {
		t.Errorf("Color = %s, want red", res.Color)
	}
	if res.RuleVersion != "v1" {
		t.Errorf("RuleVersion = %q, want v1", res.RuleVersion)
	}

	resetFlags(rootCmd)
	if _, err := execute(t, "patient", "put", "--patient", testPatient, "--medication", "warfarin"); err != nil {
		t.Fatalf("patient put: %v", err)
	}
	resetFlags(rootCmd)
	out, err = execute(t, "evaluate", "--patient", testPatient, "--action", "prescribe", "--json")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res := decodeEvaluation(t, out); res.Color != edgeguard.ColorGreen {
		t.Errorf("Color = %s after allergy removed, want green", res.Color)
	}
}

func TestCLI_Evaluate_PatientIDIsHashed(t *testing.T) {
	testEnv(t)

	hashOut, err := execute(t, "patient", "hash", "MRN-1234")
	if err != nil {
		t.Fatalf("patient hash: %v", err)
	}
	hash := strings.TrimSpace(hashOut)
	if err := edgeguard.ValidatePatientHash(hash); err != nil {
		t.Fatalf("patient hash output %q is not a hash: %v", hash, err)
	}

	resetFlags(rootCmd)
	if _, err := execute(t, "patient", "put", "--patient", hash, "--diagnosis", "ckd"); err != nil {
		t.Fatalf("patient put: %v", err)
	}

	resetFlags(rootCmd)
	out, err := execute(t, "patient", "get", hash, "--json")
	if err != nil {
		t.Fatalf("patient get: %v", err)
	}
	var fact edgeguard.PatientFact
	if err := json.Unmarshal([]byte(out), &fact); err != nil {
		t.Fatalf("decode fact: %v", err)
	}
	if len(fact.Diagnoses) != 1 || fact.Diagnoses[0] != "ckd" {
		t.Errorf("Diagnoses = %v, want [ckd]", fact.Diagnoses)
	}
	if strings.Contains(out, "MRN-1234") {
		t.Error("raw identifier must never be stored")
	}
}

func TestCLI_Evaluate_RequiresPatient(t *testing.T) {
	testEnv(t)

	_, err := execute(t, "evaluate", "--action", "prescribe")
	if err == nil || !strings.Contains(err.Error(), "--patient") {
		t.Fatalf("expected missing patient error, got %v", err)
	}
}

func TestCLI_Evaluate_InvalidContext(t *testing.T) {
	testEnv(t)

	_, err := execute(t, "evaluate", "--patient", testPatient, "--action", "prescribe", "--context", "not-json")
	if err == nil || !strings.Contains(err.Error(), "--context") {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestCLI_PatientPut_FromFile(t *testing.T) {
	dir := testEnv(t)
	path := filepath.Join(dir, "facts.yaml")
	doc := "patient_hash: " + testPatient + "\nallergies: [penicillin]\nmedications: [warfarin]\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "patient", "put", "--file", path, "--json")
	if err != nil {
		t.Fatalf("patient put: %v", err)
	}
	var fact edgeguard.PatientFact
	if err := json.Unmarshal([]byte(out), &fact); err != nil {
		t.Fatalf("decode fact: %v", err)
	}
	if fact.ClinicID != "north" {
		t.Errorf("ClinicID = %q, want north", fact.ClinicID)
	}
	if len(fact.Allergies) != 1 || fact.Allergies[0] != "penicillin" {
		t.Errorf("Allergies = %v", fact.Allergies)
	}
}

func TestCLI_RulesExportAndVersions(t *testing.T) {
	dir := testEnv(t)
	if _, err := execute(t, "rules", "apply", writeBundle(t, dir, "v4", "medication")); err != nil {
		t.Fatalf("rules apply: %v", err)
	}

	resetFlags(rootCmd)
	exported := filepath.Join(dir, "export.json")
	if _, err := execute(t, "rules", "export", "--output", exported); err != nil {
		t.Fatalf("rules export: %v", err)
	}
	bundle, err := edgeguard.LoadRuleBundle(exported)
	if err != nil {
		t.Fatalf("load exported bundle: %v", err)
	}
	if bundle.Version != "v4" || len(bundle.Rules) != 1 {
		t.Errorf("exported bundle = %s with %d rules", bundle.Version, len(bundle.Rules))
	}

	resetFlags(rootCmd)
	out, err := execute(t, "rules", "versions", "--changelog")
	if err != nil {
		t.Fatalf("rules versions: %v", err)
	}
	if !strings.Contains(out, "v4") || !strings.Contains(out, "Penicillin allergy check") {
		t.Errorf("versions output missing version or changelog: %q", out)
	}

	resetFlags(rootCmd)
	out, err = execute(t, "rules", "list", "--category", "medication")
	if err != nil {
		t.Fatalf("rules list: %v", err)
	}
	if !strings.Contains(out, "allergy-pcn") {
		t.Errorf("rules list missing rule: %q", out)
	}
}

func TestCLI_RulesApply_TamperedBundleRejected(t *testing.T) {
	dir := testEnv(t)
	path := writeBundle(t, dir, "v2", "medication")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), "documented penicillin allergy", "no allergy", 1)
	if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err = execute(t, "rules", "apply", path)
	if !errors.Is(err, edgeguard.ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestCLI_OutboxFailed_Empty(t *testing.T) {
	testEnv(t)

	out, err := execute(t, "outbox", "failed")
	if err != nil {
		t.Fatalf("outbox failed: %v", err)
	}
	if !strings.Contains(out, "No failed outbox items.") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestCLI_OutboxRequeue_UnknownItem(t *testing.T) {
	testEnv(t)

	_, err := execute(t, "outbox", "requeue", "missing")
	if !errors.Is(err, edgeguard.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCLI_Stats_JSON(t *testing.T) {
	testEnv(t)
	if _, err := execute(t, "evaluate", "--patient", testPatient, "--action", "prescribe"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	resetFlags(rootCmd)
	out, err := execute(t, "stats", "--json", "--health")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var got struct {
		EvaluationCount int `json:"evaluation_count"`
		Sync            struct {
			ClinicID string `json:"clinic_id"`
		} `json:"sync"`
		Health *edgeguard.HealthStatus `json:"health"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if got.EvaluationCount != 1 {
		t.Errorf("EvaluationCount = %d, want 1", got.EvaluationCount)
	}
	if got.Sync.ClinicID != "north" {
		t.Errorf("ClinicID = %q, want north", got.Sync.ClinicID)
	}
	if got.Health == nil || got.Health.RulesLoaded {
		t.Errorf("Health = %+v, want present with no rules loaded", got.Health)
	}
}

func TestCLI_Health_UnhealthyWithoutRules(t *testing.T) {
	dir := testEnv(t)

	out, err := execute(t, "health")
	if !errors.Is(err, errUnhealthy) {
		t.Fatalf("expected errUnhealthy, got %v", err)
	}
	if !strings.Contains(out, "unhealthy") {
		t.Errorf("unexpected output: %q", out)
	}

	resetFlags(rootCmd)
	if _, err := execute(t, "rules", "apply", writeBundle(t, dir, "v1", "medication")); err != nil {
		t.Fatalf("rules apply: %v", err)
	}
	resetFlags(rootCmd)
	if _, err := execute(t, "health"); err != nil {
		t.Fatalf("health after rules applied: %v", err)
	}
}

func TestCLI_Sync_RequiresCloudURL(t *testing.T) {
	testEnv(t)

	_, err := execute(t, "sync")
	if err == nil || !strings.Contains(err.Error(), "no cloud URL") {
		t.Fatalf("expected missing cloud URL error, got %v", err)
	}
}

func TestCLI_Export_JSONLines(t *testing.T) {
	dir := testEnv(t)
	for i := 0; i < 3; i++ {
		resetFlags(rootCmd)
		if _, err := execute(t, "evaluate", "--patient", testPatient, "--action", "prescribe"); err != nil {
			t.Fatalf("evaluate: %v", err)
		}
	}

	resetFlags(rootCmd)
	path := filepath.Join(dir, "audit.jsonl")
	if _, err := execute(t, "export", "--output", path, "--color", "red"); err != nil {
		t.Fatalf("export: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry edgeguard.EvaluationLog
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("line %d: %v", lines+1, err)
		}
		if entry.PatientHash != testPatient {
			t.Errorf("PatientHash = %q", entry.PatientHash)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("exported %d lines, want 3", lines)
	}
}

func TestCLI_Export_InvalidColor(t *testing.T) {
	testEnv(t)

	_, err := execute(t, "export", "--color", "blue")
	if err == nil || !strings.Contains(err.Error(), "--color") {
		t.Fatalf("expected color error, got %v", err)
	}
}

func TestCLI_Config_FileThenEnvThenFlags(t *testing.T) {
	dir := testEnv(t)
	path := filepath.Join(dir, "node.toml")
	doc := `clinic_id = "south"
db_path = "` + filepath.Join(dir, "file.db") + `"
patient_ttl = "2h"

[action_categories]
prescribe = "medication"
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EDGEGUARD_DB_PATH", "")
	t.Setenv("EDGEGUARD_CLINIC", "east")
	t.Setenv("EDGEGUARD_PATIENT_TTL", "")
	cfgFile = path
	cfgClinic = ""

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ClinicID != "east" {
		t.Errorf("ClinicID = %q, want env to override file", cfg.ClinicID)
	}
	if cfg.DBPath != filepath.Join(dir, "file.db") {
		t.Errorf("DBPath = %q, want file value", cfg.DBPath)
	}
	if cfg.ActionCategories["prescribe"] != "medication" {
		t.Errorf("ActionCategories = %v", cfg.ActionCategories)
	}

	cfgClinic = "west"
	cfg, err = loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ClinicID != "west" {
		t.Errorf("ClinicID = %q, want flag to override env", cfg.ClinicID)
	}
}

func TestCLI_Config_MissingFile(t *testing.T) {
	dir := testEnv(t)
	cfgFile = filepath.Join(dir, "absent.toml")

	if _, err := loadConfig(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestCLI_CloudURLRequiresAPIKey(t *testing.T) {
	testEnv(t)

	_, err := execute(t, "stats", "--cloud-url", "https://cloud.example.com")
	var verr *edgeguard.ValidationError
	if !errors.As(err, &verr) || verr.Field != "APIKey" {
		t.Fatalf("expected APIKey validation error, got %v", err)
	}
}

func TestCLI_APIKey_NeverInErrorOutput(t *testing.T) {
	testEnv(t)
	cfgAPIKey = "sk-very-secret"

	var buf bytes.Buffer
	outputError(&buf, errors.New("request failed with key sk-very-secret"))
	if strings.Contains(buf.String(), "sk-very-secret") {
		t.Errorf("API key leaked: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "[REDACTED]") {
		t.Errorf("expected redaction marker: %q", buf.String())
	}
}

func TestCLI_KeySet_EmptyInput(t *testing.T) {
	testEnv(t)

	_, err := execute(t, "key", "set")
	if err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestCLI_Version_JSON(t *testing.T) {
	testEnv(t)

	out, err := execute(t, "version", "--json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if info.Version != version {
		t.Errorf("Version = %q, want %q", info.Version, version)
	}
	if info.BundleFormat != edgeguard.BundleFormatVersion {
		t.Errorf("BundleFormat = %q, want %q", info.BundleFormat, edgeguard.BundleFormatVersion)
	}
}
