package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"chessbuddy/internal/domain"
	"chessbuddy/internal/metrics"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI implements domain.Provider for OpenAI-compatible chat APIs (Groq, OpenAI, vLLM, ...).
type OpenAI struct {
	name    string
	model   string
	client  *openai.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type OpenAIConfig struct {
	Name    string
	APIKey  string
	APIBase string
	Model   string
	Timeout time.Duration
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAI{
		name:    cfg.Name,
		model:   cfg.Model,
		client:  newOpenAIClient(cfg.APIKey, cfg.APIBase, cfg.Timeout, cfg.Logger),
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// newOpenAIClient builds a go-openai client that sends every request
// through the shared pooled HTTP client and the retry policy.
func newOpenAIClient(apiKey, apiBase string, timeout time.Duration, logger *slog.Logger) *openai.Client {
	oc := openai.DefaultConfig(apiKey)
	if apiBase != "" {
		oc.BaseURL = apiBase
	}
	oc.HTTPClient = NewRetryingClient(SharedHTTPClient(timeout), logger)
	return openai.NewClientWithConfig(oc)
}

func (o *OpenAI) Name() string     { return o.name }
func (o *OpenAI) Models() []string { return []string{o.model} }

func (o *OpenAI) Healthy(ctx context.Context) error {
	if _, err := o.client.ListModels(ctx); err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 401 {
			return fmt.Errorf("%s: invalid API key", o.name)
		}
		return fmt.Errorf("%s not reachable: %w", o.name, err)
	}
	return nil
}

// Chat sends a non-streaming chat completion request.
func (o *OpenAI) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: wireTemperature(req.Temperature),
	})
	elapsed := time.Since(start)
	o.metrics.LLMRequest(o.name, elapsed, err)
	if err != nil {
		return nil, fmt.Errorf("%s chat: %w", o.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s chat: no choices in response", o.name)
	}

	choice := resp.Choices[0]
	o.logger.Debug("chat completion",
		"provider", o.name,
		"model", model,
		"tokens", resp.Usage.TotalTokens,
		"latency_ms", elapsed.Milliseconds(),
	)
	return &domain.ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		LatencyMs: elapsed.Milliseconds(),
	}, nil
}

// wireTemperature maps a requested temperature onto the request field.
// The client drops a zero temperature from the payload, which would leave
// the server default in effect, so zero is sent as the smallest positive value.
func wireTemperature(t float64) float32 {
	if t <= 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}
