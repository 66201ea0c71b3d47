// Package knowledge builds the story evidence index and retrieves passages from it.
package knowledge

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"chessbuddy/internal/domain"

	"github.com/tmc/langchaingo/textsplitter"
	"golang.org/x/sync/errgroup"
)

// ErrNoStories is returned when a build finds nothing to index.
var ErrNoStories = errors.New("no story documents found")

// IndexWriter persists a finished index.
type IndexWriter interface {
	ReplaceIndex(ctx context.Context, manifest domain.IndexManifest, chunks []domain.StoryChunk) error
}

type BuilderConfig struct {
	Store        IndexWriter
	Embedder     domain.Embedder
	ChunkSize    int // characters per chunk (default: 500)
	ChunkOverlap int // overlapping characters (default: 100)
	Concurrency  int // parallel embedding calls (default: 4)
	Logger       *slog.Logger
}

// Builder splits stories into overlapping chunks, embeds them and writes the
// whole index in one go.
type Builder struct {
	store       IndexWriter
	embedder    domain.Embedder
	chunkSize   int
	overlap     int
	concurrency int
	logger      *slog.Logger
}

func NewBuilder(cfg BuilderConfig) *Builder {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 500
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 5
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Builder{
		store:       cfg.Store,
		embedder:    cfg.Embedder,
		chunkSize:   cfg.ChunkSize,
		overlap:     cfg.ChunkOverlap,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}
}

// Build indexes the given stories and replaces the stored index.
func (b *Builder) Build(ctx context.Context, stories []Story) (*domain.IndexManifest, error) {
	if len(stories) == 0 {
		return nil, ErrNoStories
	}
	start := time.Now()

	chunks, err := b.Split(stories)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, ErrNoStories
	}

	if err := b.embed(ctx, chunks); err != nil {
		return nil, err
	}

	manifest := domain.IndexManifest{
		EmbeddingModel: b.embedder.ID(),
		Dimensions:     len(chunks[0].Embedding),
		ChunkSize:      b.chunkSize,
		ChunkOverlap:   b.overlap,
		ChunkCount:     len(chunks),
		SourceCount:    len(stories),
		BuiltAt:        time.Now(),
	}
	if err := b.store.ReplaceIndex(ctx, manifest, chunks); err != nil {
		return nil, fmt.Errorf("store index: %w", err)
	}

	b.logger.Info("story index built",
		"sources", manifest.SourceCount,
		"chunks", manifest.ChunkCount,
		"dimensions", manifest.Dimensions,
		"model", manifest.EmbeddingModel,
		"elapsed", time.Since(start),
	)
	return &manifest, nil
}

// Split cuts every story into overlapping windows. Markdown stories are split
// along their structure first.
func (b *Builder) Split(stories []Story) ([]domain.StoryChunk, error) {
	opts := []textsplitter.Option{
		textsplitter.WithChunkSize(b.chunkSize),
		textsplitter.WithChunkOverlap(b.overlap),
		textsplitter.WithLenFunc(utf8.RuneCountInString),
	}
	plain := textsplitter.NewRecursiveCharacter(opts...)
	markdown := textsplitter.NewMarkdownTextSplitter(opts...)

	var chunks []domain.StoryChunk
	for _, s := range stories {
		var splitter textsplitter.TextSplitter = plain
		if s.IsMarkdown() {
			splitter = markdown
		}
		parts, err := splitter.SplitText(s.Text)
		if err != nil {
			return nil, fmt.Errorf("split %s: %w", s.Source, err)
		}
		idx := 0
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			chunks = append(chunks, domain.StoryChunk{
				ID:     chunkID(s.Source, idx, p),
				Source: s.Source,
				Index:  idx,
				Text:   p,
			})
			idx++
		}
	}
	return chunks, nil
}

func (b *Builder) embed(ctx context.Context, chunks []domain.StoryChunk) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i := range chunks {
		g.Go(func() error {
			vec, err := b.embedder.Embed(gctx, chunks[i].Text)
			if err != nil {
				return fmt.Errorf("embed chunk %s#%d: %w", chunks[i].Source, chunks[i].Index, err)
			}
			chunks[i].Embedding = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	dim := len(chunks[0].Embedding)
	for _, c := range chunks {
		if len(c.Embedding) != dim {
			return fmt.Errorf("embedding dimensions differ: %d vs %d", dim, len(c.Embedding))
		}
	}
	return nil
}

func chunkID(source string, index int, text string) string {
	hash := sha256.Sum256([]byte(source + "\x00" + strconv.Itoa(index) + "\x00" + text))
	return fmt.Sprintf("%x", hash[:8])
}
