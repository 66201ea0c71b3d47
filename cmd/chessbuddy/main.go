package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"chessbuddy/internal/buddy"
	"chessbuddy/internal/channel"
	"chessbuddy/internal/config"
	"chessbuddy/internal/domain"
	"chessbuddy/internal/grounded"
	"chessbuddy/internal/lang"
	"chessbuddy/internal/metrics"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "chessbuddy",
		Short: "Chess Buddy: a story-grounded chess tutor for kids",
		Long:  "Chess Buddy answers questions about chess stories and chess videos in English, Hindi and Hinglish.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.chessbuddy/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(askCmd())
	root.AddCommand(retrieveCmd())
	root.AddCommand(indexCmd())
	root.AddCommand(videoCmd())
	root.AddCommand(cacheStatsCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config (or defaults when the file is missing) and
// reconfigures the global logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefaults(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := setupLogger(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogger(cfg *config.Config) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.General.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	var out io.Writer = os.Stderr
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

// buildService loads config and wires the service. The caller closes it.
func buildService(ctx context.Context) (*config.Config, *buddy.Service, *buddy.Components, *metrics.Metrics, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}
	svc, comps, err := buddy.Build(ctx, cfg, m, logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return cfg, svc, comps, m, nil
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create data directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			for _, dir := range []string{cfg.General.DataDir, cfg.Knowledge.StoriesDir, cfg.Video.TempDir} {
				if err := os.MkdirAll(config.ExpandPath(dir), 0o755); err != nil {
					return err
				}
			}
			logger.Info("initialized", "config", cfgPath, "stories", config.ExpandPath(cfg.Knowledge.StoriesDir))
			fmt.Println("Next: export GROQ_API_KEY, put stories in the stories directory, then run 'chessbuddy index build'.")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the Telegram bot",
		Long:  "Starts every enabled channel. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, svc, comps, m, err := buildService(ctx)
	if err != nil {
		return err
	}

	if p := comps.Chat; p != nil {
		if err := p.Healthy(ctx); err != nil {
			logger.Warn("chat provider unhealthy at startup", "provider", p.Name(), "err", err)
		} else {
			logger.Info("provider healthy", "provider", p.Name())
		}
	}

	var api *channel.API
	if cfg.API.Enabled {
		api = channel.NewAPI(svc, channel.APIConfig{
			Host:            cfg.API.Host,
			Port:            cfg.API.Port,
			APIKey:          cfg.API.APIKey,
			CORSOrigins:     cfg.API.CORSOrigins,
			MetricsEndpoint: cfg.Metrics.Endpoint,
			Metrics:         m,
			Logger:          logger.With("channel", "api"),
		})
		go func() {
			if err := api.Start(ctx); err != nil {
				logger.Error("api channel error", "err", err)
				stop()
			}
		}()
	} else {
		logger.Info("api channel disabled")
	}

	var telegram *channel.Telegram
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		telegram = channel.NewTelegram(svc, channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			ParseMode: cfg.Channels.Telegram.ParseMode,
			Catalog:   comps.Catalog,
			Logger:    logger.With("channel", "telegram"),
		})
		go func() {
			if err := telegram.Start(ctx); err != nil {
				logger.Error("telegram channel error", "err", err)
			}
		}()
		logger.Info("telegram channel enabled")
	} else {
		logger.Info("telegram channel disabled")
	}

	logger.Info("chess buddy started. Press Ctrl+C to stop.", "version", version)

	<-ctx.Done()
	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var shutdownErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		if telegram != nil {
			telegram.Stop()
		}
		if n, err := svc.CleanupTemp(); err != nil {
			logger.Warn("temp cleanup failed", "err", err)
		} else if n > 0 {
			logger.Info("temp files removed", "count", n)
		}
		if err := svc.Close(); err != nil {
			logger.Warn("close service", "err", err)
		}
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		shutdownErr = fmt.Errorf("shutdown timed out")
	}
	if api != nil {
		api.Stop()
	}

	return shutdownErr
}

func chatCmd() *cobra.Command {
	var language string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive story chat in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			_, svc, _, _, err := buildService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			var l domain.Language
			if language != "" {
				l = lang.Validate(language)
			}
			return channel.NewCLI(svc, channel.CLIConfig{
				Language: l,
				Spinner:  true,
				Logger:   logger,
			}).Start(ctx)
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", "", "reply language: en, hi or hinglish")
	return cmd
}

func askCmd() *cobra.Command {
	var (
		language string
		explain  bool
		mode     string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question from the chess stories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			_, svc, _, _, err := buildService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			req := grounded.Request{
				Question: strings.Join(args, " "),
				Explain:  explain,
				Mode:     domain.AnswerMode(mode),
			}
			if language != "" {
				req.Language = lang.Validate(language)
			}
			ans := svc.AnswerWith(ctx, req)
			if ans.Cause != nil {
				logger.Debug("answer degraded", "outcome", ans.Outcome, "err", ans.Cause)
			}
			if asJSON {
				printJSON(ans)
				return nil
			}
			fmt.Println(ans.Answer)
			if ans.Explanation != "" && ans.Explanation != ans.Answer {
				fmt.Println()
				fmt.Println(ans.Explanation)
			}
			if explain && ans.Proof != "" {
				fmt.Printf("\n> %s\n", ans.Proof)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", "", "reply language: en, hi or hinglish")
	cmd.Flags().BoolVarP(&explain, "explain", "e", false, "include the supporting story lines")
	cmd.Flags().StringVar(&mode, "mode", "", "answer mode: classify or one_word")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func retrieveCmd() *cobra.Command {
	var topK int
	cmd := &cobra.Command{
		Use:   "retrieve [question]",
		Short: "Show the story passages retrieved for a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, svc, _, _, err := buildService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			passages, err := svc.Passages(ctx, strings.Join(args, " "), topK)
			if err != nil {
				return err
			}
			if len(passages) == 0 {
				fmt.Println("No passages above the score threshold.")
				return nil
			}
			for i, p := range passages {
				fmt.Printf("[%d] %.3f %s\n%s\n\n", i+1, p.Score, p.Source, p.Text)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "number of passages (default: knowledge.topK)")
	return cmd
}

func cacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cache-stats",
		Short: "Show cache statistics and recent answer outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, svc, comps, _, err := buildService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			printJSON(svc.CacheStats())
			counts, err := comps.Store.OutcomeCounts(ctx)
			if err != nil {
				return err
			}
			if len(counts) > 0 {
				fmt.Println("\nLogged answer outcomes:")
				printJSON(counts)
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show provider, index and speech status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			_, svc, _, _, err := buildService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			logger.Info("config", "path", resolveConfigPath())
			printJSON(svc.Status(ctx))
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. knowledge.topK)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			printJSON(val)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. general.defaultLanguage hinglish)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			printJSON(config.ListPaths(config.Sanitize(cfg)))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
