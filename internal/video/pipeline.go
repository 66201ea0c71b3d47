// Package video downloads, transcribes and caches user-supplied videos and
// answers questions about their transcripts.
package video

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chessbuddy/internal/cache"
	"chessbuddy/internal/domain"
	"chessbuddy/internal/metrics"
)

// Processing stages reported to progress callbacks and metrics.
const (
	StageCached       = "cached"
	StageDownloading  = "downloading"
	StageTranscribing = "transcribing"
	StageDone         = "done"
)

// ProgressFunc receives the current stage and a 0-100 estimate.
type ProgressFunc func(stage string, pct int)

// VideoID derives the stable id of a video URL.
func VideoID(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])[:12]
}

func transcriptKey(id string) string { return "transcript:" + id }

type PipelineConfig struct {
	Downloader  domain.Downloader
	Transcriber domain.Transcriber
	Transcripts *cache.TTL[string]
	Directory   *Directory
	TempDir     string
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Pipeline turns a video URL into a cached transcript.
type Pipeline struct {
	downloader  domain.Downloader
	transcriber domain.Transcriber
	transcripts *cache.TTL[string]
	directory   *Directory
	tempDir     string
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Transcripts == nil {
		cfg.Transcripts = cache.New[string](cache.Config{Name: "transcripts", MaxEntries: 50, DefaultTTL: 24 * time.Hour})
	}
	if cfg.Directory == nil {
		cfg.Directory = NewDirectory(50, 24*time.Hour, cfg.Clock)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		downloader:  cfg.Downloader,
		transcriber: cfg.Transcriber,
		transcripts: cfg.Transcripts,
		directory:   cfg.Directory,
		tempDir:     cfg.TempDir,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		now:         cfg.Clock,
	}
}

// Directory exposes the processed-video index.
func (p *Pipeline) Directory() *Directory { return p.directory }

// Transcripts exposes the transcript cache.
func (p *Pipeline) Transcripts() *cache.TTL[string] { return p.transcripts }

// Process downloads and transcribes url unless its transcript is cached.
// force skips the cache. Failures are *DownloadError or *TranscribeError;
// on failure nothing is cached and no record is stored.
func (p *Pipeline) Process(ctx context.Context, url string, force bool) (*domain.VideoRecord, error) {
	return p.ProcessWithProgress(ctx, url, force, nil)
}

func (p *Pipeline) ProcessWithProgress(ctx context.Context, url string, force bool, progress ProgressFunc) (*domain.VideoRecord, error) {
	if progress == nil {
		progress = func(string, int) {}
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("video url is required")
	}
	id := VideoID(url)

	if !force {
		if transcript, ok := p.transcripts.Get(transcriptKey(id)); ok {
			rec, found := p.directory.Get(id)
			if !found {
				rec = domain.VideoRecord{VideoID: id, URL: url}
			}
			rec.Transcript = transcript
			rec.Cached = true
			p.metrics.VideoProcessed("cached")
			p.logger.Info("video transcript served from cache", "video_id", id)
			progress(StageCached, 100)
			return &rec, nil
		}
	}

	if p.downloader == nil || p.transcriber == nil {
		return nil, fmt.Errorf("video pipeline: %w", domain.ErrNotConfigured)
	}

	progress(StageDownloading, 10)
	start := time.Now()
	media, err := p.downloader.Fetch(ctx, url)
	p.metrics.VideoStage(StageDownloading, time.Since(start))
	if err != nil {
		p.metrics.VideoProcessed("download_error")
		var dlErr *DownloadError
		if !errors.As(err, &dlErr) {
			err = &DownloadError{URL: url, Message: sanitize(err.Error())}
		}
		return nil, err
	}
	defer p.removeMedia(media.Path)

	progress(StageTranscribing, 50)
	start = time.Now()
	tr, err := p.transcriber.Transcribe(ctx, media.Path, "")
	p.metrics.VideoStage(StageTranscribing, time.Since(start))
	if err == nil && strings.TrimSpace(tr.Text) == "" {
		err = ErrEmptyTranscript
	}
	if err != nil {
		p.metrics.VideoProcessed("transcribe_error")
		return nil, &TranscribeError{Err: err}
	}

	detected := tr.Language
	if detected == "" {
		detected = "unknown"
	}
	duration := media.Duration
	if duration == 0 {
		duration = tr.Duration
	}
	rec := domain.VideoRecord{
		VideoID:          id,
		SourceID:         media.SourceID,
		Title:            media.Title,
		URL:              url,
		Transcript:       strings.TrimSpace(tr.Text),
		DetectedLanguage: detected,
		Duration:         duration,
		ProcessedAt:      p.now(),
	}
	p.transcripts.Set(transcriptKey(id), rec.Transcript)
	p.directory.Put(rec)

	p.metrics.VideoProcessed("processed")
	p.logger.Info("video processed",
		"video_id", id,
		"title", rec.Title,
		"language", rec.DetectedLanguage,
		"chars", len(rec.Transcript),
	)
	progress(StageDone, 100)
	return &rec, nil
}

// Transcript returns the stored transcript of a processed video.
func (p *Pipeline) Transcript(id string) (string, bool) {
	if t, ok := p.transcripts.Get(transcriptKey(id)); ok {
		return t, true
	}
	if rec, ok := p.directory.Get(id); ok && rec.Transcript != "" {
		return rec.Transcript, true
	}
	return "", false
}

// Delete forgets a video and its cached transcript.
func (p *Pipeline) Delete(id string) bool {
	inCache := p.transcripts.Delete(transcriptKey(id))
	inDir := p.directory.Delete(id)
	return inCache || inDir
}

// CleanupTemp removes leftover files from the download directory.
func (p *Pipeline) CleanupTemp() (int, error) {
	if p.tempDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(p.tempDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read temp dir: %w", err)
	}
	n := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := os.Remove(filepath.Join(p.tempDir, e.Name())); err != nil {
			p.logger.Warn("could not remove temp file", "file", e.Name(), "err", err)
			continue
		}
		n++
	}
	return n, nil
}

func (p *Pipeline) removeMedia(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("could not remove downloaded media", "path", path, "err", err)
	}
}
