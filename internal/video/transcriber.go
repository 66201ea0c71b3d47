package video

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chessbuddy/internal/domain"
)

// TranscriberLoader builds the underlying transcriber on first use.
type TranscriberLoader func() (domain.Transcriber, error)

// SerialTranscriber owns one process-wide transcriber, loads it lazily and
// lets only one transcription run at a time. A failed load is retried on
// the next call.
type SerialTranscriber struct {
	load   TranscriberLoader
	logger *slog.Logger

	mu sync.Mutex
	t  domain.Transcriber
}

func NewSerialTranscriber(load TranscriberLoader, logger *slog.Logger) *SerialTranscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &SerialTranscriber{load: load, logger: logger}
}

func (s *SerialTranscriber) Transcribe(ctx context.Context, path, languageHint string) (*domain.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.t == nil {
		start := time.Now()
		t, err := s.load()
		if err != nil {
			return nil, fmt.Errorf("load transcriber: %w", err)
		}
		s.t = t
		s.logger.Info("transcriber loaded", "elapsed", time.Since(start))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.t.Transcribe(ctx, path, languageHint)
}

// Loaded reports whether the transcriber has been built.
func (s *SerialTranscriber) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t != nil
}

var _ domain.Transcriber = (*SerialTranscriber)(nil)
