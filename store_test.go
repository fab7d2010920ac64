package edgeguard

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "node.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// TestNewStore_CreatesAllTables verifies that NewStore creates every node table.
func TestNewStore_CreatesAllTables(t *testing.T) {
	store := newTestStore(t)

	tables := []string{
		"metadata", "sync_state", "rule_versions", "rule_cache", "patient_cache",
		"outbox", "evaluation_log", "assurance_events", "human_feedback",
	}
	for _, table := range tables {
		var name string
		err := store.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

// TestNewStore_EnablesWAL verifies that WAL mode is enabled after initialization.
func TestNewStore_EnablesWAL(t *testing.T) {
	store := newTestStore(t)

	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected journal_mode=wal, got %q", journalMode)
	}
}

// TestNewStore_CreatesIndexes verifies that the queue and lookup indexes exist.
func TestNewStore_CreatesIndexes(t *testing.T) {
	store := newTestStore(t)

	expectedIndexes := []string{
		"idx_rule_versions_single_active",
		"idx_rule_cache_category",
		"idx_patient_cache_expires_at",
		"idx_outbox_queue_order",
		"idx_outbox_scheduled_at",
		"idx_evaluation_log_patient",
	}
	for _, idx := range expectedIndexes {
		var name string
		err := store.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='index' AND name=?",
			idx,
		).Scan(&name)
		if err != nil {
			t.Errorf("index %q not found: %v", idx, err)
		}
	}
}

// TestNewStore_SetsSchemaVersion verifies the schema version metadata is written.
func TestNewStore_SetsSchemaVersion(t *testing.T) {
	store := newTestStore(t)

	v, err := store.GetMetadata(context.Background(), "schema_version")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if v != schemaVersion {
		t.Errorf("schema_version = %q, want %q", v, schemaVersion)
	}
}

// TestNewStore_Idempotent verifies reopening an existing database keeps its data.
func TestNewStore_Idempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "node.db")
	ctx := context.Background()

	store, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if err := store.SetMetadata(ctx, "clinic", "north"); err != nil {
		t.Fatalf("SetMetadata failed: %v", err)
	}
	store.Close()

	store, err = NewStore(dbPath)
	if err != nil {
		t.Fatalf("second NewStore failed: %v", err)
	}
	defer store.Close()

	v, err := store.GetMetadata(ctx, "clinic")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if v != "north" {
		t.Errorf("clinic = %q, want north", v)
	}
}

// TestNewStore_CreatesDirectory verifies missing parent directories are created.
func TestNewStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "a", "b", "node.db")
	store, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file not created: %v", err)
	}
	if store.Path() != dbPath {
		t.Errorf("Path() = %q, want %q", store.Path(), dbPath)
	}
}

// TestStore_Close_ReleasesResources verifies operations fail after Close.
func TestStore_Close_ReleasesResources(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	if _, err := store.GetMetadata(ctx, "x"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("GetMetadata after close = %v, want ErrStoreClosed", err)
	}
	if err := store.SetMetadata(ctx, "x", "y"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("SetMetadata after close = %v, want ErrStoreClosed", err)
	}
	if _, err := store.Stats(ctx); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Stats after close = %v, want ErrStoreClosed", err)
	}
	if _, err := store.ClaimOutboxBatch(ctx, time.Now(), 1); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("ClaimOutboxBatch after close = %v, want ErrStoreClosed", err)
	}
}

func TestStore_GetMetadata_NotExists(t *testing.T) {
	store := newTestStore(t)

	v, err := store.GetMetadata(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if v != "" {
		t.Errorf("GetMetadata = %q, want empty", v)
	}
}

func TestStore_SetMetadata_Update(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetMetadata(ctx, "k", "v1"); err != nil {
		t.Fatalf("SetMetadata failed: %v", err)
	}
	if err := store.SetMetadata(ctx, "k", "v2"); err != nil {
		t.Fatalf("SetMetadata failed: %v", err)
	}

	v, _ := store.GetMetadata(ctx, "k")
	if v != "v2" {
		t.Errorf("GetMetadata = %q, want v2", v)
	}
}

// TestStore_SyncState_RoundTrip verifies the single sync state row is upserted.
func TestStore_SyncState_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state, err := store.LoadSyncState(ctx)
	if err != nil {
		t.Fatalf("LoadSyncState failed: %v", err)
	}
	if state != nil {
		t.Fatalf("fresh store should have no sync state, got %+v", state)
	}

	synced := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	want := SyncState{
		LastSyncTime:     &synced,
		LastRuleVersion:  "v1",
		ConnectionStatus: StatusOnline,
		CloudURL:         "https://cloud.example",
		ClinicID:         "north",
		UpdatedAt:        synced,
	}
	if err := store.SaveSyncState(ctx, want); err != nil {
		t.Fatalf("SaveSyncState failed: %v", err)
	}
	want.ConnectionStatus = StatusDegraded
	if err := store.SaveSyncState(ctx, want); err != nil {
		t.Fatalf("SaveSyncState (update) failed: %v", err)
	}

	got, err := store.LoadSyncState(ctx)
	if err != nil {
		t.Fatalf("LoadSyncState failed: %v", err)
	}
	if got.ConnectionStatus != StatusDegraded {
		t.Errorf("ConnectionStatus = %q, want degraded", got.ConnectionStatus)
	}
	if got.LastRuleVersion != "v1" || got.ClinicID != "north" {
		t.Errorf("unexpected state %+v", got)
	}
	if got.LastSyncTime == nil || !got.LastSyncTime.Equal(synced) {
		t.Errorf("LastSyncTime = %v, want %v", got.LastSyncTime, synced)
	}

	var rows int
	store.db.QueryRow("SELECT COUNT(*) FROM sync_state").Scan(&rows)
	if rows != 1 {
		t.Errorf("sync_state rows = %d, want 1", rows)
	}
}

// TestStore_EvaluationLog_AppendOnly verifies audit rows reject updates and deletes.
func TestStore_EvaluationLog_AppendOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := EvaluationLog{
		ID:          "01HZZZZZZZZZZZZZZZZZZZZZZZ",
		PatientHash: testPatientHash,
		Action:      "prescribe",
		ResultColor: ColorRed,
		SignalCount: 1,
		Signals:     []Signal{{RuleID: "r1", Severity: ColorRed, Reason: "allergy"}},
		RuleVersion: "v1",
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.InsertEvaluation(ctx, entry, nil); err != nil {
		t.Fatalf("InsertEvaluation failed: %v", err)
	}

	if _, err := store.db.Exec("UPDATE evaluation_log SET result_color = 'green'"); err == nil {
		t.Error("UPDATE on evaluation_log should fail")
	}
	if _, err := store.db.Exec("DELETE FROM evaluation_log"); err == nil {
		t.Error("DELETE on evaluation_log should fail")
	}

	got, err := store.GetEvaluation(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetEvaluation failed: %v", err)
	}
	if got.ResultColor != ColorRed || len(got.Signals) != 1 || got.Signals[0].RuleID != "r1" {
		t.Errorf("unexpected evaluation %+v", got)
	}
}

// TestStore_Outbox_AttemptsCheckConstraint verifies attempts can never exceed max_attempts.
func TestStore_Outbox_AttemptsCheckConstraint(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC()
	item := OutboxItem{
		ID: "item-1", Type: EventAssurance, Payload: []byte("{}"), MaxAttempts: 2,
		Status: OutboxPending, CreatedAt: now, ScheduledAt: now,
	}
	if err := store.InsertOutboxItem(context.Background(), item); err != nil {
		t.Fatalf("InsertOutboxItem failed: %v", err)
	}

	if _, err := store.db.Exec("UPDATE outbox SET attempts = 3 WHERE id = 'item-1'"); err == nil {
		t.Error("attempts > max_attempts should violate the check constraint")
	}
}

// TestStore_Stats verifies counts across tables.
func TestStore_Stats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, id := range []string{"a", "b"} {
		item := OutboxItem{
			ID: id, Type: EventAssurance, Payload: []byte("{}"), MaxAttempts: 3,
			Status: OutboxPending, CreatedAt: now, ScheduledAt: now,
		}
		if err := store.InsertOutboxItem(ctx, item); err != nil {
			t.Fatalf("InsertOutboxItem failed: %v", err)
		}
	}
	fact := PatientFact{PatientHash: testPatientHash, ClinicID: "north", LastUpdated: now, ExpiresAt: now.Add(time.Hour)}
	if err := store.UpsertPatientFact(ctx, fact); err != nil {
		t.Fatalf("UpsertPatientFact failed: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Outbox.Pending != 2 {
		t.Errorf("Outbox.Pending = %d, want 2", stats.Outbox.Pending)
	}
	if stats.PatientFacts != 1 {
		t.Errorf("PatientFacts = %d, want 1", stats.PatientFacts)
	}
	if stats.RuleVersion != "" {
		t.Errorf("RuleVersion = %q, want empty", stats.RuleVersion)
	}
	if stats.SchemaVersion != schemaVersion {
		t.Errorf("SchemaVersion = %q, want %q", stats.SchemaVersion, schemaVersion)
	}
}
