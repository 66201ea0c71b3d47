package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chessbuddy/internal/domain"

	openai "github.com/sashabaranov/go-openai"
)

// WhisperConfig configures the Whisper speech-to-text provider.
type WhisperConfig struct {
	APIBase string // e.g., "https://api.groq.com/openai/v1" or "https://api.openai.com/v1"
	APIKey  string
	Model   string // e.g., "whisper-large-v3" (Groq) or "whisper-1" (OpenAI)
	Timeout time.Duration
	Logger  *slog.Logger
}

// WhisperProvider handles speech-to-text transcription using the OpenAI-compatible Whisper API.
type WhisperProvider struct {
	model  string
	client *openai.Client
	logger *slog.Logger
}

// NewWhisperProvider creates a new Whisper transcription provider.
func NewWhisperProvider(cfg WhisperConfig) *WhisperProvider {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.groq.com/openai/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-large-v3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WhisperProvider{
		model:  cfg.Model,
		client: newOpenAIClient(cfg.APIKey, cfg.APIBase, cfg.Timeout, cfg.Logger),
		logger: cfg.Logger,
	}
}

// Transcribe uploads the audio file and returns its text. The verbose JSON
// format is requested so the detected language comes back with the text.
func (w *WhisperProvider) Transcribe(ctx context.Context, path, languageHint string) (*domain.Transcript, error) {
	start := time.Now()
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: path,
		Language: languageHint,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("whisper transcribe: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	w.logger.Info("audio transcribed",
		"chars", len(text),
		"language", resp.Language,
		"duration", resp.Duration,
		"elapsed", time.Since(start),
	)
	lang := languageCode(resp.Language)
	if lang == "" {
		lang = languageHint
	}
	return &domain.Transcript{Text: text, Language: lang, Duration: resp.Duration}, nil
}

// languageCode maps the language names Whisper reports ("english", "hindi")
// to ISO-639-1 codes. Codes pass through unchanged.
func languageCode(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "english":
		return "en"
	case "hindi":
		return "hi"
	case "urdu":
		return "ur"
	case "marathi":
		return "mr"
	case "bengali":
		return "bn"
	}
	return name
}

var _ domain.Transcriber = (*WhisperProvider)(nil)
