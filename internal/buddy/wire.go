package buddy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"chessbuddy/internal/cache"
	"chessbuddy/internal/config"
	"chessbuddy/internal/domain"
	"chessbuddy/internal/grounded"
	"chessbuddy/internal/knowledge"
	"chessbuddy/internal/lang"
	"chessbuddy/internal/metrics"
	"chessbuddy/internal/normalize"
	"chessbuddy/internal/provider"
	"chessbuddy/internal/storage"
	"chessbuddy/internal/video"
)

// Components exposes the pieces Build wired, for commands that need more
// than the Service (index info, doctor checks).
type Components struct {
	Factory   *provider.Factory
	Store     *storage.Store
	Retriever *knowledge.Retriever // nil without an embedder
	Chat      domain.Provider      // nil without credentials
	Catalog   *lang.Catalog
	Toggle    *cache.Toggle
}

// Build wires a Service from config. Missing credentials do not fail the
// build: the affected feature answers "not configured" instead. Only an
// unusable evidence store is fatal.
func Build(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*Service, *Components, error) {
	if logger == nil {
		logger = slog.Default()
	}

	catalog, err := lang.LoadCatalog(cfg.General.CatalogFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load message catalog: %w", err)
	}
	factory := provider.NewFactory(cfg, m, logger)

	chat, err := factory.Chat()
	if err != nil {
		logger.Warn("chat provider unavailable", "err", err)
	}

	store, err := storage.Open(cfg.Knowledge.DBPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open evidence store: %w", err)
	}

	var retriever *knowledge.Retriever
	if emb, err := factory.Embedder(); err != nil {
		logger.Warn("embedder unavailable, story answers disabled", "err", err)
	} else {
		retriever = knowledge.NewRetriever(knowledge.RetrieverConfig{
			Source:           store,
			Embedder:         emb,
			DefaultTopK:      cfg.Knowledge.TopK,
			DefaultThreshold: cfg.Knowledge.ScoreThreshold,
			Metrics:          m,
			Logger:           logger,
		})
		if _, err := retriever.Load(ctx); err != nil {
			logger.Warn("story index not loaded", "err", err)
		}
	}

	toggle := cache.NewToggle(cfg.Cache.Enabled)
	var observer cache.Observer
	if m != nil {
		observer = m
	}
	responses := cache.New[domain.GroundedAnswer](cache.Config{
		Name:       "response_cache",
		MaxEntries: cfg.Cache.ResponseMax,
		DefaultTTL: seconds(cfg.Cache.ResponseTTL),
		Toggle:     toggle,
		Observer:   observer,
	})
	transcripts := cache.New[string](cache.Config{
		Name:       "transcript_cache",
		MaxEntries: cfg.Cache.TranscriptMax,
		DefaultTTL: seconds(cfg.Cache.TranscriptTTL),
		Toggle:     toggle,
		Observer:   observer,
	})
	directory := video.NewDirectory(cfg.Cache.VideoMax, seconds(cfg.Cache.TranscriptTTL), nil)
	m.WatchSize(responses.Name(), responses.Len)
	m.WatchSize(transcripts.Name(), transcripts.Len)
	m.WatchSize("video_directory", directory.Len)

	normalizerModel := cfg.Normalizer.Model
	if normalizerModel == "" {
		normalizerModel = cfg.Generation.Model
	}

	engineCfg := grounded.Config{
		Provider:  chat,
		Model:     cfg.Generation.Model,
		Catalog:   catalog,
		TopK:      cfg.Knowledge.TopK,
		Threshold: cfg.Knowledge.ScoreThreshold,
		Metrics:   m,
		Logger:    logger.With("component", "grounded"),
	}
	if retriever != nil {
		engineCfg.Retriever = retriever
	}
	if cfg.Normalizer.Enabled && chat != nil {
		engineCfg.Normalizer = normalize.New(normalize.Config{
			Provider:  chat,
			Model:     normalizerModel,
			MemoSize:  cfg.Normalizer.MemoSize,
			MaxLength: cfg.Normalizer.MaxLength,
			Metrics:   m,
			Logger:    logger.With("component", "normalizer"),
		})
	}
	engine := grounded.NewEngine(engineCfg)

	transcriber := video.NewSerialTranscriber(factory.Transcriber, logger.With("component", "transcriber"))
	pipeline := video.NewPipeline(video.PipelineConfig{
		Downloader: video.NewYtDlp(video.YtDlpConfig{
			Binary:         cfg.Video.YtDlp,
			TempDir:        cfg.Video.TempDir,
			CookieBrowsers: cfg.Video.CookieBrowsers,
			SocketTimeout:  cfg.Video.SocketTimeout,
			Retries:        cfg.Video.Retries,
			MaxDuration:    cfg.Video.MaxDuration,
			Metrics:        m,
			Logger:         logger.With("component", "yt-dlp"),
		}),
		Transcriber: transcriber,
		Transcripts: transcripts,
		Directory:   directory,
		TempDir:     cfg.Video.TempDir,
		Metrics:     m,
		Logger:      logger.With("component", "video"),
	})
	tutorCfg := video.TutorConfig{
		Source:          pipeline,
		Provider:        chat,
		Model:           cfg.Generation.Model,
		Catalog:         catalog,
		Temperature:     cfg.Generation.Temperature,
		MaxTokens:       cfg.Generation.MaxTokens,
		AnswerMaxChars:  cfg.Video.AnswerMaxChars,
		ExplainMaxChars: cfg.Video.ExplainMaxChars,
		Logger:          logger.With("component", "tutor"),
	}
	jobs := video.NewJobs(video.JobsConfig{
		Processor:     pipeline,
		MaxConcurrent: cfg.Video.MaxConcurrentJobs,
		Logger:        logger.With("component", "jobs"),
	})

	svcCfg := Config{
		Engine:    engine,
		Pipeline:  pipeline,
		Tutor:     video.NewTutor(tutorCfg),
		Jobs:      jobs,
		Responses: responses,
		Speech:    transcriber,
		Chat:      chat,
		Mode:      domain.AnswerMode(cfg.General.AnswerMode),
		Language:  domain.Language(cfg.General.DefaultLanguage),
		Metrics:   m,
		Logger:    logger,
		Closers:   []io.Closer{store},
	}
	if synth, err := factory.Synthesizer(); err != nil {
		logger.Warn("text to speech unavailable", "err", err)
	} else {
		svcCfg.Synthesizer = synth
	}
	if retriever != nil {
		svcCfg.Index = retriever
	}
	if cfg.General.AuditLog {
		svcCfg.AuditLog = store
	}

	return New(svcCfg), &Components{
		Factory:   factory,
		Store:     store,
		Retriever: retriever,
		Chat:      chat,
		Catalog:   catalog,
		Toggle:    toggle,
	}, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
