package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"chessbuddy/internal/domain"

	openai "github.com/sashabaranov/go-openai"
)

// EmbedderConfig configures an OpenAI-compatible /embeddings endpoint
// (OpenAI, infinity, text-embeddings-inference, ...).
type EmbedderConfig struct {
	APIKey     string
	APIBase    string
	Model      string
	Dimensions int
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Embedder implements domain.Embedder.
type Embedder struct {
	model      string
	dimensions int
	client     *openai.Client
	logger     *slog.Logger
}

func NewEmbedder(cfg EmbedderConfig) *Embedder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Embedder{
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		client:     newOpenAIClient(cfg.APIKey, cfg.APIBase, cfg.Timeout, cfg.Logger),
		logger:     cfg.Logger,
	}
}

// ID is the embedding model name recorded in the index manifest.
func (e *Embedder) ID() string { return e.model }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request. Vectors come back in input order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("embed %d texts with %s: %w", len(texts), e.model, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embed: got %d vectors for %d texts", len(resp.Data), len(texts))
	}
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("embed: empty vector at index %d", d.Index)
		}
		out[i] = d.Embedding
	}
	return out, nil
}

var _ domain.Embedder = (*Embedder)(nil)
