package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config is the root configuration for Chess Buddy.
type Config struct {
	General       GeneralConfig             `json:"general"`
	Providers     map[string]ProviderConfig `json:"providers"`
	Generation    GenerationConfig          `json:"generation"`
	Embedding     EmbeddingConfig           `json:"embedding"`
	Knowledge     KnowledgeConfig           `json:"knowledge"`
	Normalizer    NormalizerConfig          `json:"normalizer"`
	Cache         CacheConfig               `json:"cache"`
	Video         VideoConfig               `json:"video"`
	Transcription TranscriptionConfig       `json:"transcription"`
	Speech        SpeechConfig              `json:"speech"`
	Channels      ChannelsConfig            `json:"channels"`
	Metrics       MetricsConfig             `json:"metrics"`
	API           APIConfig                 `json:"api"`
}

type GeneralConfig struct {
	DataDir         string   `json:"dataDir"`
	LogLevel        string   `json:"logLevel"`
	LogFile         string   `json:"logFile,omitempty"`     // optional log file path
	CatalogFile     string   `json:"catalogFile,omitempty"` // optional message catalog override (YAML)
	DefaultLanguage string   `json:"defaultLanguage"`       // "en" | "hi" | "hinglish"
	DefaultProvider string   `json:"defaultProvider"`
	FailoverChain   []string `json:"failoverChain,omitempty"` // provider failover order
	AnswerMode      string   `json:"answerMode"`              // "classify" | "one_word"
	AuditLog        bool     `json:"auditLog"`
}

type ProviderConfig struct {
	Enabled         bool   `json:"enabled"`
	APIBase         string `json:"apiBase,omitempty"`
	APIKey          string `json:"apiKey,omitempty"`
	DefaultModel    string `json:"defaultModel,omitempty"`
	RateLimitPerMin int    `json:"rateLimitPerMinute,omitempty"`
	TimeoutSeconds  int    `json:"timeoutSeconds,omitempty"`
}

// GenerationConfig holds the sampling settings for free-form answers.
type GenerationConfig struct {
	Model       string  `json:"model,omitempty"` // empty uses the provider's defaultModel
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
}

// EmbeddingConfig points at an OpenAI-compatible /embeddings endpoint.
type EmbeddingConfig struct {
	APIBase    string `json:"apiBase"`
	APIKey     string `json:"apiKey,omitempty"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions,omitempty"`
}

// KnowledgeConfig configures the story evidence index.
type KnowledgeConfig struct {
	StoriesDir       string  `json:"storiesDir"`
	DBPath           string  `json:"dbPath"`
	ChunkSize        int     `json:"chunkSize"`    // characters per chunk
	ChunkOverlap     int     `json:"chunkOverlap"` // overlapping characters
	TopK             int     `json:"topK"`
	ScoreThreshold   float64 `json:"scoreThreshold"`
	EmbedConcurrency int     `json:"embedConcurrency"`
}

type NormalizerConfig struct {
	Enabled   bool   `json:"enabled"`
	Model     string `json:"model,omitempty"` // empty falls back to generation.model
	MemoSize  int    `json:"memoSize"`
	MaxLength int    `json:"maxLength"`
}

// CacheConfig sizes the in-memory caches. TTLs are in seconds.
type CacheConfig struct {
	Enabled       bool `json:"enabled"`
	TranscriptTTL int  `json:"transcriptTTL"`
	TranscriptMax int  `json:"transcriptMax"`
	ResponseTTL   int  `json:"responseTTL"`
	ResponseMax   int  `json:"responseMax"`
	VideoMax      int  `json:"videoMax"`
}

type VideoConfig struct {
	TempDir           string   `json:"tempDir"`
	YtDlp             string   `json:"ytDlp"`
	CookieBrowsers    []string `json:"cookieBrowsers"`
	SocketTimeout     int      `json:"socketTimeout"` // seconds
	Retries           int      `json:"retries"`
	MaxDuration       int      `json:"maxDuration"` // seconds
	AnswerMaxChars    int      `json:"answerMaxChars"`
	ExplainMaxChars   int      `json:"explainMaxChars"`
	MaxConcurrentJobs int      `json:"maxConcurrentJobs"`
}

// TranscriptionConfig selects the speech-to-text backend.
type TranscriptionConfig struct {
	Backend   string `json:"backend"` // "api" | "whispercpp"
	APIBase   string `json:"apiBase,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Model     string `json:"model,omitempty"`
	Binary    string `json:"binary,omitempty"`
	ModelPath string `json:"modelPath,omitempty"`
	FFmpeg    string `json:"ffmpeg,omitempty"`
	BeamSize  int    `json:"beamSize"`
	VAD       bool   `json:"vad"`
	VADModel  string `json:"vadModel,omitempty"`
	Threads   int    `json:"threads,omitempty"`
	Timeout   int    `json:"timeout"` // seconds
}

// SpeechConfig selects the text-to-speech backend.
type SpeechConfig struct {
	Provider     string `json:"provider"` // "openai" | "elevenlabs"
	APIBase      string `json:"apiBase,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	Model        string `json:"model,omitempty"`
	VoiceEnglish string `json:"voiceEnglish"`
	VoiceHindi   string `json:"voiceHindi"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
	ParseMode string         `json:"parseMode"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Telegram user ids are often written as bare numbers.
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// APIConfig configures the JSON HTTP API.
type APIConfig struct {
	Enabled     bool     `json:"enabled"`
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	APIKey      string   `json:"apiKey,omitempty"`
	CORSOrigins []string `json:"corsOrigins,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.chessbuddy).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chessbuddy"
	}
	return filepath.Join(home, ".chessbuddy")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg, err := expandedDefaults()
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return finish(cfg)
}

// LoadOrDefaults loads path when it exists and otherwise returns the defaults
// with environment variables expanded, so a fresh checkout runs with only
// GROQ_API_KEY exported.
func LoadOrDefaults(path string) (*Config, error) {
	if _, err := os.Stat(expandPath(path)); err == nil {
		return Load(path)
	}
	cfg, err := expandedDefaults()
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

// expandedDefaults returns Defaults() with ${VAR} references resolved.
func expandedDefaults() (*Config, error) {
	data, err := json.Marshal(Defaults())
	if err != nil {
		return nil, fmt.Errorf("cannot marshal defaults: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal([]byte(ExpandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("cannot expand defaults: %w", err)
	}
	return cfg, nil
}

func finish(cfg *Config) (*Config, error) {
	cfg.General.DataDir = expandPath(cfg.General.DataDir)
	cfg.General.LogFile = expandPath(cfg.General.LogFile)
	cfg.General.CatalogFile = expandPath(cfg.General.CatalogFile)
	cfg.Knowledge.DBPath = expandPath(cfg.Knowledge.DBPath)
	cfg.Knowledge.StoriesDir = expandPath(cfg.Knowledge.StoriesDir)
	cfg.Video.TempDir = expandPath(cfg.Video.TempDir)
	cfg.Transcription.ModelPath = expandPath(cfg.Transcription.ModelPath)
	cfg.Transcription.VADModel = expandPath(cfg.Transcription.VADModel)
	unsetPlaceholders(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// unsetPlaceholders clears secrets that still hold an unexpanded ${VAR}
// so downstream components see them as missing rather than as a bogus key.
func unsetPlaceholders(cfg *Config) {
	drop := func(s *string) {
		if envVarPattern.MatchString(*s) {
			*s = ""
		}
	}
	for name, pc := range cfg.Providers {
		drop(&pc.APIKey)
		cfg.Providers[name] = pc
	}
	drop(&cfg.Embedding.APIKey)
	drop(&cfg.Transcription.APIKey)
	drop(&cfg.Speech.APIKey)
	drop(&cfg.Channels.Telegram.Token)
	drop(&cfg.API.APIKey)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.DefaultLanguage {
	case "en", "hi", "hinglish":
	default:
		errs = append(errs, "general.defaultLanguage must be one of: en, hi, hinglish")
	}
	switch cfg.General.AnswerMode {
	case "", "classify", "one_word":
	default:
		errs = append(errs, "general.answerMode must be one of: classify, one_word")
	}
	if cfg.General.DefaultProvider != "" {
		if _, ok := cfg.Providers[cfg.General.DefaultProvider]; !ok {
			errs = append(errs, fmt.Sprintf("general.defaultProvider references unknown provider: %s", cfg.General.DefaultProvider))
		}
	}
	for _, provName := range cfg.General.FailoverChain {
		if _, ok := cfg.Providers[provName]; !ok {
			errs = append(errs, fmt.Sprintf("general.failoverChain references unknown provider: %s", provName))
		}
	}
	for name, pc := range cfg.Providers {
		if pc.Enabled && pc.APIBase == "" {
			errs = append(errs, fmt.Sprintf("providers.%s: apiBase is required", name))
		}
		if pc.RateLimitPerMin < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s: rateLimitPerMinute must be >= 0", name))
		}
	}

	if cfg.Generation.MaxTokens < 1 {
		errs = append(errs, "generation.maxTokens must be >= 1")
	}
	if cfg.Generation.Temperature < 0 || cfg.Generation.Temperature > 2 {
		errs = append(errs, "generation.temperature must be between 0 and 2")
	}
	if cfg.Embedding.Model == "" {
		errs = append(errs, "embedding.model is required")
	}

	if cfg.Knowledge.ChunkSize < 1 {
		errs = append(errs, "knowledge.chunkSize must be >= 1")
	}
	if cfg.Knowledge.ChunkOverlap < 0 || cfg.Knowledge.ChunkOverlap >= cfg.Knowledge.ChunkSize {
		errs = append(errs, "knowledge.chunkOverlap must be >= 0 and smaller than chunkSize")
	}
	if cfg.Knowledge.TopK < 1 {
		errs = append(errs, "knowledge.topK must be >= 1")
	}
	if cfg.Knowledge.ScoreThreshold < -1 || cfg.Knowledge.ScoreThreshold > 1 {
		errs = append(errs, "knowledge.scoreThreshold must be between -1 and 1")
	}
	if cfg.Knowledge.EmbedConcurrency < 1 {
		errs = append(errs, "knowledge.embedConcurrency must be >= 1")
	}

	if cfg.Normalizer.MemoSize < 1 {
		errs = append(errs, "normalizer.memoSize must be >= 1")
	}
	if cfg.Normalizer.MaxLength < 1 {
		errs = append(errs, "normalizer.maxLength must be >= 1")
	}

	if cfg.Cache.TranscriptTTL < 1 || cfg.Cache.ResponseTTL < 1 {
		errs = append(errs, "cache TTLs must be >= 1 second")
	}
	if cfg.Cache.TranscriptMax < 1 || cfg.Cache.ResponseMax < 1 || cfg.Cache.VideoMax < 1 {
		errs = append(errs, "cache sizes must be >= 1")
	}

	if cfg.Video.SocketTimeout < 1 {
		errs = append(errs, "video.socketTimeout must be >= 1")
	}
	if cfg.Video.MaxDuration < 1 {
		errs = append(errs, "video.maxDuration must be >= 1")
	}
	if cfg.Video.MaxConcurrentJobs < 1 || cfg.Video.MaxConcurrentJobs > 16 {
		errs = append(errs, "video.maxConcurrentJobs must be between 1 and 16")
	}

	switch cfg.Transcription.Backend {
	case "api":
		if cfg.Transcription.APIBase == "" {
			errs = append(errs, "transcription.apiBase is required for the api backend")
		}
	case "whispercpp":
		if cfg.Transcription.Binary == "" {
			errs = append(errs, "transcription.binary is required for the whispercpp backend")
		}
	default:
		errs = append(errs, "transcription.backend must be one of: api, whispercpp")
	}
	switch cfg.Speech.Provider {
	case "", "openai", "elevenlabs":
	default:
		errs = append(errs, "speech.provider must be one of: openai, elevenlabs")
	}

	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func expandPath(path string) string {
	return ExpandPath(path)
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
