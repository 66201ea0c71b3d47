package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"chessbuddy/internal/domain"
)

// WhisperCPPConfig configures the local whisper.cpp backend.
type WhisperCPPConfig struct {
	Binary    string // whisper-cli
	ModelPath string // ggml model file
	FFmpeg    string
	BeamSize  int
	VAD       bool
	VADModel  string
	Threads   int
	TempDir   string
	Timeout   time.Duration
	Logger    *slog.Logger
}

// WhisperCPP transcribes audio with the whisper.cpp command line tool.
// Input is first converted to 16 kHz mono WAV with ffmpeg.
type WhisperCPP struct {
	cfg    WhisperCPPConfig
	logger *slog.Logger
}

func NewWhisperCPP(cfg WhisperCPPConfig) *WhisperCPP {
	if cfg.Binary == "" {
		cfg.Binary = "whisper-cli"
	}
	if cfg.FFmpeg == "" {
		cfg.FFmpeg = "ffmpeg"
	}
	if cfg.BeamSize <= 0 {
		cfg.BeamSize = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Minute
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WhisperCPP{cfg: cfg, logger: cfg.Logger}
}

// Check verifies that the binaries and model exist.
func (w *WhisperCPP) Check() error {
	if err := assertBinary(w.cfg.Binary); err != nil {
		return err
	}
	if err := assertBinary(w.cfg.FFmpeg); err != nil {
		return err
	}
	if w.cfg.ModelPath == "" {
		return fmt.Errorf("whisper.cpp model path: %w", domain.ErrNotConfigured)
	}
	if _, err := os.Stat(w.cfg.ModelPath); err != nil {
		return fmt.Errorf("whisper.cpp model: %w", err)
	}
	return nil
}

func (w *WhisperCPP) Transcribe(ctx context.Context, path, languageHint string) (*domain.Transcript, error) {
	if err := w.Check(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	work, err := os.MkdirTemp(w.cfg.TempDir, "whisper-*")
	if err != nil {
		return nil, fmt.Errorf("whisper.cpp temp dir: %w", err)
	}
	defer os.RemoveAll(work)

	wav := filepath.Join(work, "audio.wav")
	if err := w.toWAV(ctx, path, wav); err != nil {
		return nil, err
	}

	lang := languageHint
	if lang == "" {
		lang = "auto"
	}
	prefix := filepath.Join(work, "out")
	args := []string{
		"-m", w.cfg.ModelPath,
		"-f", wav,
		"-l", lang,
		"-bs", strconv.Itoa(w.cfg.BeamSize),
		"-oj",
		"-of", prefix,
		"-np",
	}
	if w.cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(w.cfg.Threads))
	}
	if w.cfg.VAD && w.cfg.VADModel != "" {
		args = append(args, "--vad", "-vm", w.cfg.VADModel)
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, w.cfg.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("whisper.cpp failed: %w; out=%s", err, tail(stderr.String(), 512))
	}

	raw, err := os.ReadFile(prefix + ".json")
	if err != nil {
		return nil, fmt.Errorf("whisper.cpp output: %w", err)
	}
	tr, err := parseWhisperCPPOutput(raw)
	if err != nil {
		return nil, err
	}
	if tr.Language == "" || tr.Language == "auto" {
		tr.Language = languageHint
	}
	w.logger.Info("audio transcribed locally",
		"chars", len(tr.Text),
		"language", tr.Language,
		"elapsed", time.Since(start),
	)
	return tr, nil
}

func (w *WhisperCPP) toWAV(ctx context.Context, in, out string) error {
	cmd := exec.CommandContext(ctx, w.cfg.FFmpeg, "-y", "-i", in, "-vn", "-ac", "1", "-ar", "16000", "-f", "wav", out)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg convert audio failed: %w; out=%s", err, tail(string(b), 512))
	}
	return nil
}

type whisperCPPOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

// parseWhisperCPPOutput reads the -oj JSON file. Duration is the end offset
// of the last segment.
func parseWhisperCPPOutput(raw []byte) (*domain.Transcript, error) {
	var out whisperCPPOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode whisper.cpp output: %w", err)
	}
	parts := make([]string, 0, len(out.Transcription))
	var end int64
	for _, seg := range out.Transcription {
		if s := strings.TrimSpace(seg.Text); s != "" {
			parts = append(parts, s)
		}
		end = max(end, seg.Offsets.To)
	}
	return &domain.Transcript{
		Text:     strings.Join(parts, " "),
		Language: out.Result.Language,
		Duration: float64(end) / 1000,
	}, nil
}

func assertBinary(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

var _ domain.Transcriber = (*WhisperCPP)(nil)
