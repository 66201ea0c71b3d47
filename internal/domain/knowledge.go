package domain

import (
	"context"
	"time"
)

// StoryChunk is one overlapping window of a story document, embedded at index time.
type StoryChunk struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Index     int       `json:"chunk_index"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
}

// RetrievedPassage is a chunk that cleared the similarity threshold for a query.
type RetrievedPassage struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// IndexManifest records how the evidence index was built. A retriever must
// refuse an index whose embedding model differs from its own embedder.
type IndexManifest struct {
	EmbeddingModel string    `json:"embedding_model"`
	Dimensions     int       `json:"dimensions"`
	ChunkSize      int       `json:"chunk_size"`
	ChunkOverlap   int       `json:"chunk_overlap"`
	ChunkCount     int       `json:"chunk_count"`
	SourceCount    int       `json:"source_count"`
	BuiltAt        time.Time `json:"built_at"`
}

// Embedder maps text to a vector. ID identifies the model so indexes built
// with one model are never queried with another.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ID() string
}

// PassageRetriever returns the passages relevant to a query, best first.
type PassageRetriever interface {
	Retrieve(ctx context.Context, query string, topK int, threshold float64) ([]RetrievedPassage, error)
}

// QueryNormalizer rewrites a raw question into retrieval-friendly form.
// It never fails: on any problem the raw question comes back unchanged.
type QueryNormalizer interface {
	Normalize(ctx context.Context, raw string) string
}
