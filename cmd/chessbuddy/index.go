package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chessbuddy/internal/knowledge"
	"chessbuddy/internal/provider"
	"chessbuddy/internal/storage"

	"github.com/spf13/cobra"
)

func indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build or inspect the story evidence index",
	}
	cmd.AddCommand(indexBuildCmd())
	cmd.AddCommand(indexInfoCmd())
	return cmd
}

func indexBuildCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Chunk and embed every story and replace the stored index",
		Long: `Reads every .txt and .md file under knowledge.storiesDir (or --dir),
splits it into overlapping chunks, embeds each chunk and atomically
replaces the index in the evidence database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.Knowledge.StoriesDir
			}

			emb, err := provider.NewFactory(cfg, nil, logger).Embedder()
			if err != nil {
				return err
			}
			store, err := storage.Open(cfg.Knowledge.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			stories, err := knowledge.LoadStories(dir, logger)
			if err != nil {
				return err
			}

			builder := knowledge.NewBuilder(knowledge.BuilderConfig{
				Store:        store,
				Embedder:     emb,
				ChunkSize:    cfg.Knowledge.ChunkSize,
				ChunkOverlap: cfg.Knowledge.ChunkOverlap,
				Concurrency:  cfg.Knowledge.EmbedConcurrency,
				Logger:       logger,
			})
			start := time.Now()
			manifest, err := builder.Build(ctx, stories)
			if err != nil {
				return fmt.Errorf("build index: %w", err)
			}

			fmt.Printf("Indexed %d stories into %d chunks (%d dims, %s) in %s\n",
				manifest.SourceCount, manifest.ChunkCount, manifest.Dimensions,
				manifest.EmbeddingModel, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "stories directory (default: knowledge.storiesDir)")
	return cmd
}

func indexInfoCmd() *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the stored index manifest and recent answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := storage.Open(cfg.Knowledge.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			manifest, err := store.Manifest(ctx)
			if err != nil {
				return err
			}
			if manifest == nil {
				fmt.Println("Index has not been built. Run 'chessbuddy index build'.")
				return nil
			}
			printJSON(manifest)

			if recent <= 0 {
				return nil
			}
			entries, err := store.RecentAnswers(ctx, recent)
			if err != nil {
				return err
			}
			fmt.Printf("\nLast %d answers:\n", len(entries))
			for _, e := range entries {
				fmt.Printf("  %s  %-14s %-8s %q -> %q\n",
					e.CreatedAt.Format(time.DateTime), e.Outcome, e.Language, e.Question, e.Answer)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&recent, "recent", "n", 0, "also list the last n logged answers")
	return cmd
}
