package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chessbuddy/internal/config"
	"chessbuddy/internal/domain"
	"chessbuddy/internal/metrics"
)

// ProviderConstructor is a function that creates a provider from a config entry.
type ProviderConstructor func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Provider

// Factory creates and caches the upstream clients described by config.
type Factory struct {
	cfg          *config.Config
	metrics      *metrics.Metrics
	logger       *slog.Logger
	constructors map[string]ProviderConstructor
	cache        map[string]domain.Provider
	mu           sync.RWMutex
}

// NewFactory creates a provider factory. Every provider is OpenAI-compatible
// unless a constructor is registered under its name.
func NewFactory(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		cfg:          cfg,
		metrics:      m,
		logger:       logger,
		constructors: make(map[string]ProviderConstructor),
		cache:        make(map[string]domain.Provider),
	}
}

// RegisterConstructor adds (or replaces) a provider constructor by name.
func (f *Factory) RegisterConstructor(name string, ctor ProviderConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

// Get returns the provider with the given name, or the default if name is empty.
// Created providers are cached so the same instance (and rate limiter) is reused.
func (f *Factory) Get(name string) (domain.Provider, error) {
	if name == "" {
		name = f.cfg.General.DefaultProvider
	}

	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}

	var p domain.Provider
	if ctor, found := f.constructors[name]; found {
		p = ctor(name, pc, f.logger)
	} else {
		if pc.APIKey == "" {
			return nil, fmt.Errorf("provider %s: API key: %w", name, domain.ErrNotConfigured)
		}
		p = NewOpenAI(OpenAIConfig{
			Name:    name,
			APIKey:  pc.APIKey,
			APIBase: pc.APIBase,
			Model:   pc.DefaultModel,
			Timeout: seconds(pc.TimeoutSeconds),
			Metrics: f.metrics,
			Logger:  f.logger,
		})
	}
	p = NewRateLimited(p, pc.RateLimitPerMin)

	f.cache[name] = p
	return p, nil
}

// Chat returns the provider used for answering: the failover chain when one
// is configured, otherwise the default provider. Providers that cannot be
// built are skipped with a warning.
func (f *Factory) Chat() (domain.Provider, error) {
	chain := f.cfg.General.FailoverChain
	if len(chain) == 0 {
		return f.Get("")
	}
	var providers []domain.Provider
	for _, name := range chain {
		p, err := f.Get(name)
		if err != nil {
			f.logger.Warn("failover: skipping provider", "provider", name, "err", err)
			continue
		}
		providers = append(providers, p)
	}
	switch len(providers) {
	case 0:
		return nil, fmt.Errorf("failover chain: %w", domain.ErrNotConfigured)
	case 1:
		return providers[0], nil
	}
	return NewFailoverProvider(providers, f.logger), nil
}

// Embedder builds the embedding client. The embedding model must be named
// since it becomes the index identity.
func (f *Factory) Embedder() (*Embedder, error) {
	ec := f.cfg.Embedding
	if ec.Model == "" || ec.APIBase == "" {
		return nil, fmt.Errorf("embedding: %w", domain.ErrNotConfigured)
	}
	return NewEmbedder(EmbedderConfig{
		APIKey:     ec.APIKey,
		APIBase:    ec.APIBase,
		Model:      ec.Model,
		Dimensions: ec.Dimensions,
		Logger:     f.logger,
	}), nil
}

// Transcriber builds the configured speech-to-text backend.
func (f *Factory) Transcriber() (domain.Transcriber, error) {
	tc := f.cfg.Transcription
	switch tc.Backend {
	case "whispercpp":
		return NewWhisperCPP(WhisperCPPConfig{
			Binary:    tc.Binary,
			ModelPath: tc.ModelPath,
			FFmpeg:    tc.FFmpeg,
			BeamSize:  tc.BeamSize,
			VAD:       tc.VAD,
			VADModel:  tc.VADModel,
			Threads:   tc.Threads,
			TempDir:   f.cfg.Video.TempDir,
			Timeout:   seconds(tc.Timeout),
			Logger:    f.logger,
		}), nil
	case "", "api":
		if tc.APIKey == "" {
			return nil, fmt.Errorf("transcription API key: %w", domain.ErrNotConfigured)
		}
		return NewWhisperProvider(WhisperConfig{
			APIBase: tc.APIBase,
			APIKey:  tc.APIKey,
			Model:   tc.Model,
			Timeout: seconds(tc.Timeout),
			Logger:  f.logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transcription backend: %s", tc.Backend)
	}
}

// Synthesizer builds the text-to-speech client.
func (f *Factory) Synthesizer() (domain.Synthesizer, error) {
	sc := f.cfg.Speech
	if sc.APIKey == "" {
		return nil, fmt.Errorf("speech API key: %w", domain.ErrNotConfigured)
	}
	return NewTTSProvider(TTSConfig{
		Provider:     sc.Provider,
		APIBase:      sc.APIBase,
		APIKey:       sc.APIKey,
		Model:        sc.Model,
		VoiceEnglish: sc.VoiceEnglish,
		VoiceHindi:   sc.VoiceHindi,
		Logger:       f.logger,
	}), nil
}

// HealthyProvider returns the first provider that passes a health check, or nil.
func (f *Factory) HealthyProvider(ctx context.Context) domain.Provider {
	for name := range f.cfg.Providers {
		p, err := f.Get(name)
		if err != nil || p == nil {
			continue
		}
		if p.Healthy(ctx) == nil {
			return p
		}
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
