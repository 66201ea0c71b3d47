package storage

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chessbuddy/internal/domain"

	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "index.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunMigrations_FreshDB(t *testing.T) {
	db := testDB(t)
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := testDB(t)
	logger := testLogger()

	if err := RunMigrations(db, logger); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}
	if err := RunMigrations(db, logger); err != nil {
		t.Fatalf("second migration (idempotent) failed: %v", err)
	}
	version, _ := GetSchemaVersion(db)
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestRunMigrations_CreatesExpectedTables(t *testing.T) {
	db := testDB(t)
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatal(err)
	}
	for _, table := range []string{"story_chunks", "index_manifest", "answer_log", "schema_version"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestRunMigrations_UpgradeFromV1(t *testing.T) {
	db := testDB(t)
	logger := testLogger()

	// Simulate a database created before the audit log existed.
	saved := migrations
	migrations = saved[:1]
	if err := RunMigrations(db, logger); err != nil {
		migrations = saved
		t.Fatal(err)
	}
	migrations = saved

	if err := RunMigrations(db, logger); err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}
	if _, err := db.Exec("INSERT INTO answer_log (question, language, mode, outcome) VALUES ('q','en','classify','verified')"); err != nil {
		t.Fatalf("answer_log missing after upgrade: %v", err)
	}
}

func TestGetSchemaVersion_NoTable(t *testing.T) {
	version, err := GetSchemaVersion(testDB(t))
	if err != nil {
		t.Fatal(err)
	}
	if version != 0 {
		t.Errorf("expected version 0 for empty db, got %d", version)
	}
}

func TestSplitSQL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int
	}{
		{"empty", "", 0},
		{"single", "CREATE TABLE t (id INT)", 1},
		{"multiple", "CREATE TABLE t1 (id INT); CREATE TABLE t2 (id INT)", 2},
		{"trailing semicolon", "CREATE TABLE t (id INT);", 1},
		{"whitespace", "  CREATE TABLE t (id INT)  ;  ", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := splitSQL(tt.input)
			if len(result) != tt.expected {
				t.Errorf("expected %d statements, got %d: %v", tt.expected, len(result), result)
			}
		})
	}
}

func TestManifest_EmptyIndex(t *testing.T) {
	s := testStore(t)
	m, err := s.Manifest(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Fatalf("expected no manifest, got %+v", m)
	}
	chunks, err := s.LoadChunks(context.Background())
	if err != nil || len(chunks) != 0 {
		t.Fatalf("expected no chunks, got %d (%v)", len(chunks), err)
	}
}

func TestReplaceIndex_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	built := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	chunks := []domain.StoryChunk{
		{ID: "b-0", Source: "b.txt", Index: 0, Text: "Sab mujhe K bulate hain", Embedding: []float32{0.5, -1.25, 3}},
		{ID: "a-1", Source: "a.txt", Index: 1, Text: "second", Embedding: []float32{1, 0, 0}},
		{ID: "a-0", Source: "a.txt", Index: 0, Text: "first", Embedding: []float32{0, 1, 0}},
	}
	manifest := domain.IndexManifest{
		EmbeddingModel: "distiluse", Dimensions: 3, ChunkSize: 500, ChunkOverlap: 100,
		ChunkCount: 3, SourceCount: 2, BuiltAt: built,
	}
	if err := s.ReplaceIndex(ctx, manifest, chunks); err != nil {
		t.Fatalf("ReplaceIndex: %v", err)
	}

	got, err := s.LoadChunks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != "a-0" || got[2].ID != "b-0" {
		t.Fatalf("unexpected chunk order: %+v", got)
	}
	if v := got[2].Embedding; len(v) != 3 || v[0] != 0.5 || v[1] != -1.25 || v[2] != 3 {
		t.Fatalf("embedding not preserved: %v", v)
	}

	m, err := s.Manifest(ctx)
	if err != nil || m == nil {
		t.Fatalf("Manifest: %v %v", m, err)
	}
	if m.EmbeddingModel != "distiluse" || m.ChunkCount != 3 || !m.BuiltAt.Equal(built) {
		t.Fatalf("unexpected manifest %+v", m)
	}

	// A rebuild replaces everything.
	manifest.ChunkCount = 1
	manifest.EmbeddingModel = "other"
	if err := s.ReplaceIndex(ctx, manifest, chunks[:1]); err != nil {
		t.Fatal(err)
	}
	got, _ = s.LoadChunks(ctx)
	m, _ = s.Manifest(ctx)
	if len(got) != 1 || m.EmbeddingModel != "other" {
		t.Fatalf("rebuild did not replace index: %d chunks, model %s", len(got), m.EmbeddingModel)
	}
}

func TestReplaceIndex_RejectsMissingEmbeddingAtomically(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	good := []domain.StoryChunk{{ID: "x", Source: "s", Text: "t", Embedding: []float32{1}}}
	if err := s.ReplaceIndex(ctx, domain.IndexManifest{EmbeddingModel: "m", ChunkCount: 1}, good); err != nil {
		t.Fatal(err)
	}

	bad := []domain.StoryChunk{{ID: "y", Source: "s", Text: "t"}}
	if err := s.ReplaceIndex(ctx, domain.IndexManifest{EmbeddingModel: "m2"}, bad); err == nil {
		t.Fatal("expected error for chunk without embedding")
	}
	got, _ := s.LoadChunks(ctx)
	m, _ := s.Manifest(ctx)
	if len(got) != 1 || got[0].ID != "x" || m.EmbeddingModel != "m" {
		t.Fatal("failed rebuild must leave the previous index intact")
	}
}

func TestAnswerLog(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	entries := []AnswerLogEntry{
		{Question: "K kaun hai?", Language: domain.Hinglish, Mode: domain.ModeClassify, Outcome: domain.OutcomeVerified, Answer: "King", Passages: 2},
		{Question: "Who is Z?", Language: domain.English, Mode: domain.ModeClassify, Outcome: domain.OutcomeNoEvidence, Answer: "Unknown"},
		{Question: "Who is Y?", Language: domain.English, Mode: domain.ModeOneWord, Outcome: domain.OutcomeNoEvidence, Answer: "Unknown"},
	}
	for _, e := range entries {
		if err := s.LogAnswer(ctx, e); err != nil {
			t.Fatalf("LogAnswer: %v", err)
		}
	}

	recent, err := s.RecentAnswers(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].Question != "Who is Y?" || recent[0].Mode != domain.ModeOneWord {
		t.Fatalf("unexpected recent answers %+v", recent)
	}
	if recent[0].CreatedAt.IsZero() {
		t.Fatal("expected created_at to be set")
	}

	counts, err := s.OutcomeCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.OutcomeVerified] != 1 || counts[domain.OutcomeNoEvidence] != 2 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestVectorCodec(t *testing.T) {
	v := []float32{0, 1.5, -2.25, 1e-7}
	got, err := decodeVector(encodeVector(v))
	if err != nil {
		t.Fatal(err)
	}
	for i := range v {
		if got[i] != v[i] {
			t.Fatalf("index %d: got %v want %v", i, got[i], v[i])
		}
	}
	if _, err := decodeVector([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for truncated blob")
	}
}
