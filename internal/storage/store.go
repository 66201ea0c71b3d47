// Package storage persists the story evidence index and the answer audit
// log in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"chessbuddy/internal/domain"

	_ "modernc.org/sqlite"
)

// Store is the SQLite evidence store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// AnswerLogEntry is one row of the answer audit trail.
type AnswerLogEntry struct {
	Question   string
	Normalized string
	Language   domain.Language
	Mode       domain.AnswerMode
	Outcome    domain.Outcome
	Answer     string
	Passages   int
	LatencyMs  int64
	CreatedAt  time.Time
}

// Open opens (creating if needed) the database at dbPath and applies migrations.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for status queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ReplaceIndex swaps the whole evidence index and its manifest in one
// transaction. Readers never see a half-built index.
func (s *Store) ReplaceIndex(ctx context.Context, manifest domain.IndexManifest, chunks []domain.StoryChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM story_chunks`); err != nil {
		return fmt.Errorf("clear story_chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO story_chunks (id, source, chunk_index, content, embedding) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			return fmt.Errorf("chunk %s has no embedding", c.ID)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.Source, c.Index, c.Text, encodeVector(c.Embedding)); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}

	if manifest.BuiltAt.IsZero() {
		manifest.BuiltAt = time.Now()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO index_manifest
		 (id, embedding_model, dimensions, chunk_size, chunk_overlap, chunk_count, source_count, built_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?)`,
		manifest.EmbeddingModel, manifest.Dimensions, manifest.ChunkSize, manifest.ChunkOverlap,
		manifest.ChunkCount, manifest.SourceCount, manifest.BuiltAt.Unix(),
	); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit index replace: %w", err)
	}
	s.logger.Info("evidence index replaced",
		"chunks", len(chunks),
		"sources", manifest.SourceCount,
		"model", manifest.EmbeddingModel,
	)
	return nil
}

// Manifest returns the index manifest, or nil when no index was built yet.
func (s *Store) Manifest(ctx context.Context) (*domain.IndexManifest, error) {
	var m domain.IndexManifest
	var builtAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT embedding_model, dimensions, chunk_size, chunk_overlap, chunk_count, source_count, built_at
		 FROM index_manifest WHERE id = 1`,
	).Scan(&m.EmbeddingModel, &m.Dimensions, &m.ChunkSize, &m.ChunkOverlap, &m.ChunkCount, &m.SourceCount, &builtAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m.BuiltAt = time.Unix(builtAt, 0)
	return &m, nil
}

// LoadChunks returns every stored chunk in source order.
func (s *Store) LoadChunks(ctx context.Context) ([]domain.StoryChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, chunk_index, content, embedding FROM story_chunks ORDER BY source, chunk_index`)
	if err != nil {
		return nil, fmt.Errorf("query story_chunks: %w", err)
	}
	defer rows.Close()

	var chunks []domain.StoryChunk
	for rows.Next() {
		var c domain.StoryChunk
		var blob []byte
		if err := rows.Scan(&c.ID, &c.Source, &c.Index, &c.Text, &blob); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		c.Embedding = vec
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// LogAnswer appends an entry to the answer audit log.
func (s *Store) LogAnswer(ctx context.Context, e AnswerLogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO answer_log (question, normalized, language, mode, outcome, answer, passages, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Question, e.Normalized, string(e.Language), string(e.Mode), string(e.Outcome), e.Answer, e.Passages, e.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("log answer: %w", err)
	}
	return nil
}

// RecentAnswers returns the newest audit entries first.
func (s *Store) RecentAnswers(ctx context.Context, limit int) ([]AnswerLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT question, normalized, language, mode, outcome, answer, passages, latency_ms, created_at
		 FROM answer_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query answer_log: %w", err)
	}
	defer rows.Close()

	var out []AnswerLogEntry
	for rows.Next() {
		var e AnswerLogEntry
		var language, mode, outcome string
		if err := rows.Scan(&e.Question, &e.Normalized, &language, &mode, &outcome, &e.Answer, &e.Passages, &e.LatencyMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan answer_log: %w", err)
		}
		e.Language = domain.Language(language)
		e.Mode = domain.AnswerMode(mode)
		e.Outcome = domain.Outcome(outcome)
		out = append(out, e)
	}
	return out, rows.Err()
}

// OutcomeCounts tallies the audit log by outcome.
func (s *Store) OutcomeCounts(ctx context.Context) (map[domain.Outcome]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM answer_log GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("count outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Outcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[domain.Outcome(outcome)] = n
	}
	return counts, rows.Err()
}

// encodeVector stores a vector as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
