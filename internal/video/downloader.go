package video

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"chessbuddy/internal/domain"
	"chessbuddy/internal/metrics"

	"github.com/google/uuid"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// runFunc executes a command and returns its stdout and stderr.
type runFunc func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

type YtDlpConfig struct {
	Binary         string   // yt-dlp
	TempDir        string   // where audio files land
	CookieBrowsers []string // tried in order before a cookie-less attempt
	SocketTimeout  int      // seconds (default: 300)
	Retries        int      // (default: 3)
	MaxDuration    int      // seconds; longer videos are rejected (default: 3600)
	AttemptTimeout time.Duration
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// strategy is one way of invoking yt-dlp.
type strategy struct {
	name string
	args []string
}

// YtDlp downloads the audio track of a video with yt-dlp, trying browser
// cookies first and then no cookies.
type YtDlp struct {
	cfg        YtDlpConfig
	strategies []strategy
	run        runFunc
	logger     *slog.Logger
}

func NewYtDlp(cfg YtDlpConfig) *YtDlp {
	if cfg.Binary == "" {
		cfg.Binary = "yt-dlp"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "chessbuddy-audio")
	}
	if cfg.SocketTimeout <= 0 {
		cfg.SocketTimeout = 300
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 3600
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var strategies []strategy
	for _, b := range cfg.CookieBrowsers {
		strategies = append(strategies, strategy{
			name: b + " cookies",
			args: []string{"--cookies-from-browser", b},
		})
	}
	strategies = append(strategies, strategy{name: "no cookies"})
	return &YtDlp{cfg: cfg, strategies: strategies, run: execRun, logger: cfg.Logger}
}

// Strategies lists the attempt order.
func (y *YtDlp) Strategies() []string {
	out := make([]string, len(y.strategies))
	for i, s := range y.strategies {
		out[i] = s.name
	}
	return out
}

// Check verifies the yt-dlp binary is reachable.
func (y *YtDlp) Check() error {
	if _, err := exec.LookPath(y.cfg.Binary); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", y.cfg.Binary, err)
	}
	return nil
}

// Fetch downloads url, returning a *DownloadError when every strategy fails.
func (y *YtDlp) Fetch(ctx context.Context, url string) (*domain.Media, error) {
	if err := os.MkdirAll(y.cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	dlErr := &DownloadError{URL: url}
	for _, s := range y.strategies {
		if err := ctx.Err(); err != nil {
			dlErr.Attempts = append(dlErr.Attempts, Attempt{Strategy: s.name, Err: err.Error()})
			dlErr.Message = err.Error()
			break
		}
		media, err := y.attempt(ctx, url, s)
		y.cfg.Metrics.DownloadAttempt(s.name, err)
		if err == nil {
			y.logger.Info("video downloaded", "strategy", s.name, "source_id", media.SourceID, "title", media.Title)
			return media, nil
		}
		msg := sanitize(err.Error())
		y.logger.Warn("download attempt failed", "strategy", s.name, "err", msg)
		dlErr.Attempts = append(dlErr.Attempts, Attempt{Strategy: s.name, Err: msg})
		dlErr.Message = msg
	}
	return nil, dlErr
}

type ytDlpInfo struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
}

func (y *YtDlp) attempt(ctx context.Context, url string, s strategy) (*domain.Media, error) {
	ctx, cancel := context.WithTimeout(ctx, y.cfg.AttemptTimeout)
	defer cancel()

	token := uuid.NewString()
	args := []string{
		"--format", "bestaudio/best",
		"--output", filepath.Join(y.cfg.TempDir, token+".%(ext)s"),
		"--no-playlist",
		"--no-warnings",
		"--no-progress",
		"--socket-timeout", strconv.Itoa(y.cfg.SocketTimeout),
		"--retries", strconv.Itoa(y.cfg.Retries),
		"--match-filter", fmt.Sprintf("duration <= %d", y.cfg.MaxDuration),
		"--extractor-args", "youtube:player_client=web,mweb,android",
		"--user-agent", userAgent,
		"--dump-json",
		"--no-simulate",
	}
	args = append(args, s.args...)
	args = append(args, "--", url)

	stdout, stderr, err := y.run(ctx, y.cfg.Binary, args...)
	if err != nil {
		removeMatching(y.cfg.TempDir, token)
		if msg := lastLine(string(stderr)); msg != "" {
			return nil, errors.New(msg)
		}
		return nil, err
	}

	matches, _ := filepath.Glob(filepath.Join(y.cfg.TempDir, token+".*"))
	if len(matches) == 0 {
		return nil, fmt.Errorf("downloaded file not found (longer than %d s or not downloadable)", y.cfg.MaxDuration)
	}

	media := &domain.Media{Path: matches[0]}
	var info ytDlpInfo
	if line := lastLine(string(stdout)); line != "" {
		if err := json.Unmarshal([]byte(line), &info); err != nil {
			y.logger.Debug("yt-dlp metadata unreadable", "err", err)
		}
	}
	media.SourceID = info.ID
	media.Title = info.Title
	media.Duration = info.Duration
	return media, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func removeMatching(dir, token string) {
	matches, _ := filepath.Glob(filepath.Join(dir, token+".*"))
	for _, m := range matches {
		os.Remove(m)
	}
}

var _ domain.Downloader = (*YtDlp)(nil)
