package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"chessbuddy/internal/domain"

	openai "github.com/sashabaranov/go-openai"
)

const elevenLabsBase = "https://api.elevenlabs.io/v1"

// TTSConfig configures the text-to-speech provider.
type TTSConfig struct {
	Provider     string // "openai" | "elevenlabs"
	APIBase      string
	APIKey       string
	Model        string // e.g., "tts-1" (OpenAI) or "eleven_multilingual_v2" (ElevenLabs)
	VoiceEnglish string
	VoiceHindi   string
	Timeout      time.Duration
	Logger       *slog.Logger
}

// TTSProvider handles text-to-speech synthesis.
type TTSProvider struct {
	provider     string
	apiBase      string
	apiKey       string
	model        string
	voiceEnglish string
	voiceHindi   string
	openai       *openai.Client
	http         *RetryingClient
	logger       *slog.Logger
}

// NewTTSProvider creates a new text-to-speech provider.
func NewTTSProvider(cfg TTSConfig) *TTSProvider {
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	switch cfg.Provider {
	case "elevenlabs":
		if cfg.APIBase == "" {
			cfg.APIBase = elevenLabsBase
		}
		if cfg.Model == "" {
			cfg.Model = "eleven_multilingual_v2"
		}
		if cfg.VoiceEnglish == "" {
			cfg.VoiceEnglish = "21m00Tcm4TlvDq8ikWAM"
		}
	default:
		if cfg.APIBase == "" {
			cfg.APIBase = "https://api.openai.com/v1"
		}
		if cfg.Model == "" {
			cfg.Model = "tts-1"
		}
		if cfg.VoiceEnglish == "" {
			cfg.VoiceEnglish = "nova"
		}
	}
	if cfg.VoiceHindi == "" {
		cfg.VoiceHindi = cfg.VoiceEnglish
	}
	return &TTSProvider{
		provider:     cfg.Provider,
		apiBase:      strings.TrimRight(cfg.APIBase, "/"),
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		voiceEnglish: cfg.VoiceEnglish,
		voiceHindi:   cfg.VoiceHindi,
		openai:       newOpenAIClient(cfg.APIKey, cfg.APIBase, cfg.Timeout, cfg.Logger),
		http:         NewRetryingClient(SharedHTTPClient(cfg.Timeout), cfg.Logger),
		logger:       cfg.Logger,
	}
}

// Synthesize converts text to MP3 audio. An empty voice is chosen from the
// text: chess words pick the English voice, anything else the Hindi one.
func (t *TTSProvider) Synthesize(ctx context.Context, text, voice string) (io.ReadCloser, error) {
	text = NormalizeForSpeech(strings.TrimSpace(text))
	if text == "" {
		return nil, fmt.Errorf("tts: empty text")
	}
	if voice == "" {
		voice = t.voiceHindi
		if IsMostlyEnglish(text) {
			voice = t.voiceEnglish
		}
	}
	t.logger.Debug("synthesizing speech", "provider", t.provider, "voice", voice, "chars", len(text))

	switch t.provider {
	case "openai":
		return t.synthesizeOpenAI(ctx, text, voice)
	case "elevenlabs":
		return t.synthesizeElevenLabs(ctx, text, voice)
	default:
		return nil, fmt.Errorf("unsupported TTS provider: %s", t.provider)
	}
}

func (t *TTSProvider) synthesizeOpenAI(ctx context.Context, text, voice string) (io.ReadCloser, error) {
	resp, err := t.openai.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(t.model),
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, fmt.Errorf("TTS API request: %w", err)
	}
	return resp, nil
}

type elevenLabsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

func (t *TTSProvider) synthesizeElevenLabs(ctx context.Context, text, voice string) (io.ReadCloser, error) {
	body, err := json.Marshal(elevenLabsRequest{Text: text, ModelID: t.model})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/text-to-speech/%s", t.apiBase, voice)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", t.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ElevenLabs API request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("ElevenLabs API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return resp.Body, nil
}

var speechReplacements = []struct {
	re   *regexp.Regexp
	with string
}{
	{regexp.MustCompile(`(?i)\bkise\b`), "kisse"},
	{regexp.MustCompile(`(?i)\bkon\b`), "kaun"},
	{regexp.MustCompile(`(?i)\bkehte\b`), "kehtey"},
	{regexp.MustCompile(`(?i)\bkyun\b`), "kyon"},
	{regexp.MustCompile(`(?i)\braja\b`), "raajaa"},
	{regexp.MustCompile(`(?i)\bbulate\b`), "bulaate"},
}

// NormalizeForSpeech respells common romanized Hindi words so English
// voices pronounce them closer to how a child would hear them.
func NormalizeForSpeech(text string) string {
	for _, r := range speechReplacements {
		text = r.re.ReplaceAllString(text, r.with)
	}
	return text
}

var englishChessWords = []string{
	"king", "queen", "pawn", "rook", "bishop", "knight",
	"game", "move", "step", "board", "check",
}

// IsMostlyEnglish reports whether text mentions any English chess word.
func IsMostlyEnglish(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range englishChessWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

var _ domain.Synthesizer = (*TTSProvider)(nil)
