package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"chessbuddy/internal/domain"
	"chessbuddy/internal/metrics"

	"github.com/philippgille/chromem-go"
)

var (
	// ErrIndexEmpty means no index has been built yet.
	ErrIndexEmpty = errors.New("story index has not been built")
	// ErrEmbeddingMismatch means the index was built with a different embedding model.
	ErrEmbeddingMismatch = errors.New("story index embedding model mismatch")
)

const collectionName = "stories"

// ChunkSource is the read side of the evidence store.
type ChunkSource interface {
	Manifest(ctx context.Context) (*domain.IndexManifest, error)
	LoadChunks(ctx context.Context) ([]domain.StoryChunk, error)
}

type RetrieverConfig struct {
	Source           ChunkSource
	Embedder         domain.Embedder
	DefaultTopK      int
	DefaultThreshold float64
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

// Retriever answers nearest-neighbour queries over the story index. The index
// is loaded once into memory on first use and is read-only afterwards.
type Retriever struct {
	source    ChunkSource
	embedder  domain.Embedder
	topK      int
	threshold float64
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu         sync.Mutex
	collection *chromem.Collection
	manifest   *domain.IndexManifest
}

func NewRetriever(cfg RetrieverConfig) *Retriever {
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Retriever{
		source:    cfg.Source,
		embedder:  cfg.Embedder,
		topK:      cfg.DefaultTopK,
		threshold: cfg.DefaultThreshold,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

// Threshold is the configured minimum similarity.
func (r *Retriever) Threshold() float64 { return r.threshold }

// TopK is the configured candidate count.
func (r *Retriever) TopK() int { return r.topK }

// Load opens the index. It is safe to call repeatedly; only the first
// successful call does any work. A failed load is retried on the next call.
func (r *Retriever) Load(ctx context.Context) (*domain.IndexManifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.collection != nil {
		return r.manifest, nil
	}
	if r.embedder == nil {
		return nil, fmt.Errorf("retriever embedder: %w", domain.ErrNotConfigured)
	}

	manifest, err := r.source.Manifest(ctx)
	if err != nil {
		return nil, fmt.Errorf("read index manifest: %w", err)
	}
	if manifest == nil {
		return nil, ErrIndexEmpty
	}
	if manifest.EmbeddingModel != r.embedder.ID() {
		return nil, fmt.Errorf("%w: index built with %q, embedder is %q",
			ErrEmbeddingMismatch, manifest.EmbeddingModel, r.embedder.ID())
	}

	chunks, err := r.source.LoadChunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load story chunks: %w", err)
	}

	db := chromem.NewDB()
	coll, err := db.CreateCollection(collectionName, nil, r.embedFunc())
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	if len(chunks) > 0 {
		docs := make([]chromem.Document, len(chunks))
		for i, c := range chunks {
			docs[i] = chromem.Document{
				ID:        c.ID,
				Content:   c.Text,
				Embedding: c.Embedding,
				Metadata:  map[string]string{"source": c.Source},
			}
		}
		if err := coll.AddDocuments(ctx, docs, 1); err != nil {
			return nil, fmt.Errorf("load documents: %w", err)
		}
	}

	r.collection = coll
	r.manifest = manifest
	r.logger.Info("story index loaded",
		"chunks", coll.Count(),
		"model", manifest.EmbeddingModel,
	)
	return manifest, nil
}

func (r *Retriever) embedFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return r.embedder.Embed(ctx, text)
	}
}

// Retrieve returns the passages whose similarity to query exceeds threshold,
// best first, at most topK of them. topK <= 0 uses the configured default.
// No match is an empty slice, not an error.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, threshold float64) ([]domain.RetrievedPassage, error) {
	if _, err := r.Load(ctx); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = r.topK
	}

	passages := []domain.RetrievedPassage{}
	n := min(topK, r.collection.Count())
	if n == 0 {
		r.metrics.Retrieved(0)
		return passages, nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if r.manifest.Dimensions > 0 && len(vec) != r.manifest.Dimensions {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, index has %d",
			ErrEmbeddingMismatch, len(vec), r.manifest.Dimensions)
	}

	results, err := r.collection.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query story index: %w", err)
	}

	for _, res := range results {
		score := float64(res.Similarity)
		if score <= threshold {
			continue
		}
		passages = append(passages, domain.RetrievedPassage{
			Text:   res.Content,
			Source: res.Metadata["source"],
			Score:  score,
		})
	}
	sort.SliceStable(passages, func(i, j int) bool { return passages[i].Score > passages[j].Score })

	r.metrics.Retrieved(len(passages))
	r.logger.Debug("retrieved passages",
		"candidates", len(results),
		"kept", len(passages),
		"threshold", threshold,
	)
	return passages, nil
}

// Texts is a convenience wrapper that returns only passage texts.
func Texts(passages []domain.RetrievedPassage) []string {
	out := make([]string, len(passages))
	for i, p := range passages {
		out[i] = p.Text
	}
	return out
}

var _ domain.PassageRetriever = (*Retriever)(nil)
