package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"chessbuddy/internal/config"
	"chessbuddy/internal/knowledge"
	"chessbuddy/internal/provider"
	"chessbuddy/internal/storage"
	"chessbuddy/internal/video"

	"github.com/spf13/cobra"
)

// checks tallies doctor results.
type checks struct {
	passed, warned, failed int
}

func (c *checks) pass(check, detail string) { printPass(check, detail); c.passed++ }
func (c *checks) warn(check, detail string) { printWarn(check, detail); c.warned++ }
func (c *checks) fail(check, detail string) { printFail(check, detail); c.failed++ }

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your Chess Buddy installation",
		Long: `Verifies configuration, API keys, the evidence index, and the external
tools (yt-dlp, ffmpeg, whisper.cpp) the video pipeline needs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("Chess Buddy Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var c checks

			if _, err := os.Stat(cfgPath); err != nil {
				c.warn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
			} else {
				c.pass("Config file", cfgPath)
			}

			cfg, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				c.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", c.passed, c.failed)
				return fmt.Errorf("invalid config")
			}
			c.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			factory := provider.NewFactory(cfg, nil, logger)

			// Chat provider
			if p, err := factory.Chat(); err != nil {
				c.fail("Chat provider", err.Error())
			} else if err := p.Healthy(ctx); err != nil {
				c.warn("Chat provider", fmt.Sprintf("%s unhealthy: %v", p.Name(), err))
			} else {
				c.pass("Chat provider", p.Name())
			}

			// Evidence index
			checkIndex(ctx, &c, cfg, factory)

			// Video pipeline
			yt := video.NewYtDlp(video.YtDlpConfig{Binary: cfg.Video.YtDlp, Logger: logger})
			if err := yt.Check(); err != nil {
				c.warn("yt-dlp", err.Error())
			} else {
				c.pass("yt-dlp", cfg.Video.YtDlp)
			}

			// Speech to text
			switch cfg.Transcription.Backend {
			case "whispercpp":
				w := provider.NewWhisperCPP(provider.WhisperCPPConfig{
					Binary:    cfg.Transcription.Binary,
					ModelPath: cfg.Transcription.ModelPath,
					FFmpeg:    cfg.Transcription.FFmpeg,
				})
				if err := w.Check(); err != nil {
					c.fail("whisper.cpp", err.Error())
				} else {
					c.pass("whisper.cpp", cfg.Transcription.ModelPath)
				}
			default:
				if _, err := factory.Transcriber(); err != nil {
					c.warn("Speech to text", err.Error())
				} else {
					c.pass("Speech to text", "whisper API")
				}
				if _, err := exec.LookPath(orDefault(cfg.Transcription.FFmpeg, "ffmpeg")); err != nil {
					c.warn("ffmpeg", "not found in PATH (yt-dlp needs it to extract audio)")
				} else {
					c.pass("ffmpeg", "found")
				}
			}

			// Text to speech
			if _, err := factory.Synthesizer(); err != nil {
				c.warn("Text to speech", err.Error())
			} else {
				c.pass("Text to speech", cfg.Speech.Provider)
			}

			// Channels
			if cfg.API.Enabled {
				if err := checkPort(cfg.API.Port); err != nil {
					c.warn("API port", fmt.Sprintf("port %d may be in use: %v", cfg.API.Port, err))
				} else {
					c.pass("API port", fmt.Sprintf(":%d available", cfg.API.Port))
				}
			}
			if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
				c.fail("Telegram", "enabled but no token configured")
			}

			// Writable paths
			if err := os.MkdirAll(cfg.Video.TempDir, 0o755); err != nil {
				c.fail("Temp directory", err.Error())
			} else {
				c.pass("Temp directory", cfg.Video.TempDir)
			}
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					c.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					c.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", c.passed, c.warned, c.failed)
			if c.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running Chess Buddy.\n")
				return fmt.Errorf("%d check(s) failed", c.failed)
			}
			if c.warned > 0 {
				fmt.Printf("\nChess Buddy should work but some features will answer \"not configured\".\n")
			} else {
				fmt.Printf("\nAll checks passed! Chess Buddy is ready to run.\n")
			}
			return nil
		},
	}
}

func checkIndex(ctx context.Context, c *checks, cfg *config.Config, factory *provider.Factory) {
	store, err := storage.Open(cfg.Knowledge.DBPath, logger)
	if err != nil {
		c.fail("Evidence database", err.Error())
		return
	}
	defer store.Close()
	c.pass("Evidence database", cfg.Knowledge.DBPath)

	emb, err := factory.Embedder()
	if err != nil {
		c.fail("Embedder", err.Error())
		return
	}
	r := knowledge.NewRetriever(knowledge.RetrieverConfig{Source: store, Embedder: emb, Logger: logger})
	m, err := r.Load(ctx)
	switch {
	case errors.Is(err, knowledge.ErrIndexEmpty):
		c.fail("Story index", "not built, run 'chessbuddy index build'")
	case errors.Is(err, knowledge.ErrEmbeddingMismatch):
		c.fail("Story index", err.Error()+", rebuild with 'chessbuddy index build'")
	case err != nil:
		c.fail("Story index", err.Error())
	default:
		c.pass("Story index", fmt.Sprintf("%d chunks from %d stories (%s)", m.ChunkCount, m.SourceCount, m.EmbeddingModel))
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func checkPort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
