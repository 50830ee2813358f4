package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pbxlink/pbxlink/internal/database/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	// Verify database file was created.
	dbPath := filepath.Join(dir, "pbxlink.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	// Verify WAL mode is active.
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	// Verify all tables exist.
	tables := []string{"schema_migrations", "tokens", "call_logs", "dead_letters"}
	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}

	// Re-opening must not re-run applied migrations.
	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopening database: %v", err)
	}
	db2.Close()
}

func TestTokenRepositoryRoundTrip(t *testing.T) {
	db := openTestDB(t)
	repo := NewTokenRepository(db)
	ctx := context.Background()

	// Empty store returns nil, not an error.
	got, err := repo.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil token from empty store, got %+v", got)
	}

	tok := &models.OAuthToken{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	if err := repo.Save(ctx, tok); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err = repo.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got == nil || got.AccessToken != "access-1" || got.RefreshToken != "refresh-1" {
		t.Fatalf("unexpected token after save: %+v", got)
	}

	// Saving again rotates the pair in place: still exactly one row.
	tok2 := &models.OAuthToken{
		AccessToken:  "access-2",
		RefreshToken: "refresh-2",
		ExpiresAt:    time.Now().Add(2 * time.Hour),
	}
	if err := repo.Save(ctx, tok2); err != nil {
		t.Fatalf("Save() rotate error: %v", err)
	}

	var rowCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM tokens").Scan(&rowCount); err != nil {
		t.Fatalf("counting token rows: %v", err)
	}
	if rowCount != 1 {
		t.Errorf("expected 1 token row, got %d", rowCount)
	}

	got, err = repo.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.AccessToken != "access-2" || got.RefreshToken != "refresh-2" {
		t.Errorf("expected rotated pair, got %+v", got)
	}

	if err := repo.Delete(ctx); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	got, err = repo.Get(ctx)
	if err != nil {
		t.Fatalf("Get() after delete error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil after delete, got %+v", got)
	}
}

func TestCallLogUpsertIsIdempotentPerUniqueID(t *testing.T) {
	db := openTestDB(t)
	repo := NewCallLogRepository(db)
	ctx := context.Background()

	contactID := int64(42)
	now := time.Now().UTC()
	log := &models.CallLog{
		UniqueID:    "1634567890.123",
		Caller:      "79991234567",
		Direction:   "inbound",
		Status:      "ANSWERED",
		Duration:    120,
		ContactID:   &contactID,
		Disposition: models.DispositionSynced,
		Source:      "ami",
		SyncedAt:    &now,
	}
	if err := repo.Upsert(ctx, log); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	// A retried sync for the same uniqueid must update, not duplicate.
	log2 := *log
	log2.ID = 0
	log2.RecordingFile = "/recordings/in-1634567890.123.wav"
	log2.RecordingUploaded = true
	if err := repo.Upsert(ctx, &log2); err != nil {
		t.Fatalf("Upsert() retry error: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM call_logs WHERE unique_id = ?", log.UniqueID).Scan(&count); err != nil {
		t.Fatalf("counting call logs: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 call log for uniqueid, got %d", count)
	}

	got, err := repo.GetByUniqueID(ctx, log.UniqueID)
	if err != nil {
		t.Fatalf("GetByUniqueID() error: %v", err)
	}
	if got == nil {
		t.Fatal("expected call log, got nil")
	}
	if !got.RecordingUploaded {
		t.Error("expected recording_uploaded after retry upsert")
	}
	if got.ContactID == nil || *got.ContactID != 42 {
		t.Errorf("unexpected contact id: %v", got.ContactID)
	}
	if !got.Synced() {
		t.Error("expected Synced() for synced disposition")
	}
}

func TestCallLogListAndCounts(t *testing.T) {
	db := openTestDB(t)
	repo := NewCallLogRepository(db)
	ctx := context.Background()

	seed := []models.CallLog{
		{UniqueID: "1.1", Caller: "79991112233", Direction: "inbound", Status: "ANSWERED", Disposition: models.DispositionSynced, Source: "ami"},
		{UniqueID: "1.2", Caller: "79994445566", Direction: "inbound", Status: "NO ANSWER", Disposition: models.DispositionUnsorted, Source: "ami"},
		{UniqueID: "1.3", Caller: "79997778899", Direction: "outbound", Status: "ANSWERED", Disposition: models.DispositionSynced, Source: "webhook"},
	}
	for i := range seed {
		if err := repo.Upsert(ctx, &seed[i]); err != nil {
			t.Fatalf("seeding call log %d: %v", i, err)
		}
	}

	logs, total, err := repo.List(ctx, CallLogFilter{Limit: 10, Direction: "inbound"})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 2 || len(logs) != 2 {
		t.Errorf("expected 2 inbound logs, got total=%d len=%d", total, len(logs))
	}

	logs, total, err = repo.List(ctx, CallLogFilter{Limit: 10, Search: "4445"})
	if err != nil {
		t.Fatalf("List() search error: %v", err)
	}
	if total != 1 || len(logs) != 1 || logs[0].UniqueID != "1.2" {
		t.Errorf("unexpected search result: total=%d logs=%+v", total, logs)
	}

	counts, err := repo.CountByDirection(ctx)
	if err != nil {
		t.Fatalf("CountByDirection() error: %v", err)
	}
	if counts["inbound"] != 2 || counts["outbound"] != 1 {
		t.Errorf("unexpected direction counts: %v", counts)
	}
}

func TestDeadLetterLifecycle(t *testing.T) {
	db := openTestDB(t)
	repo := NewDeadLetterRepository(db)
	ctx := context.Background()

	dl := &models.DeadLetter{
		ID:       "dl-1",
		UniqueID: "1634567890.123",
		Payload:  `{"uniqueid":"1634567890.123","phone":"79991234567"}`,
		Reason:   "crm transient error: status 503",
		Attempts: 5,
	}
	if err := repo.Create(ctx, dl); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	count, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if count != 1 {
		t.Errorf("expected backlog 1, got %d", count)
	}

	got, err := repo.GetByID(ctx, "dl-1")
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got == nil || got.UniqueID != dl.UniqueID || got.Attempts != 5 {
		t.Fatalf("unexpected dead letter: %+v", got)
	}

	letters, total, err := repo.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 1 || len(letters) != 1 {
		t.Errorf("expected 1 dead letter, got total=%d len=%d", total, len(letters))
	}

	if err := repo.Delete(ctx, "dl-1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	got, err = repo.GetByID(ctx, "dl-1")
	if err != nil {
		t.Fatalf("GetByID() after delete error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil after delete, got %+v", got)
	}
}
