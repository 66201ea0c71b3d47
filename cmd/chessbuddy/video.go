package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chessbuddy/internal/buddy"
	"chessbuddy/internal/domain"
	"chessbuddy/internal/lang"

	"github.com/spf13/cobra"
)

// Video commands run in one process, so every subcommand processes the URL
// first. The transcript cache only lives as long as the process.

func videoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "video",
		Short: "Transcribe a chess video and ask about it",
	}
	cmd.AddCommand(videoProcessCmd())
	cmd.AddCommand(videoAskCmd())
	cmd.AddCommand(videoExplainCmd())
	cmd.AddCommand(videoConceptsCmd())
	return cmd
}

// withVideo builds the service, processes url and runs fn with the record.
func withVideo(url string, force bool, fn func(ctx context.Context, svc *buddy.Service, rec *domain.VideoRecord) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, svc, _, _, err := buildService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()
	defer svc.CleanupTemp()

	rec, err := svc.ProcessVideo(ctx, url, force)
	if err != nil {
		return err
	}
	return fn(ctx, svc, rec)
}

func languageFlag(s string) domain.Language {
	if s == "" {
		return ""
	}
	return lang.Validate(s)
}

func videoProcessCmd() *cobra.Command {
	var (
		force          bool
		showTranscript bool
	)
	cmd := &cobra.Command{
		Use:   "process [url]",
		Short: "Download and transcribe a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVideo(args[0], force, func(_ context.Context, _ *buddy.Service, rec *domain.VideoRecord) error {
				fmt.Printf("Video ID:  %s\n", rec.VideoID)
				if rec.Title != "" {
					fmt.Printf("Title:     %s\n", rec.Title)
				}
				fmt.Printf("Language:  %s\n", rec.DetectedLanguage)
				fmt.Printf("Duration:  %.0fs\n", rec.Duration)
				fmt.Printf("Chars:     %d\n", len([]rune(rec.Transcript)))
				if showTranscript {
					fmt.Println()
					fmt.Println(rec.Transcript)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "ignore the transcript cache")
	cmd.Flags().BoolVarP(&showTranscript, "transcript", "t", false, "print the transcript")
	return cmd
}

func videoAskCmd() *cobra.Command {
	var language string
	cmd := &cobra.Command{
		Use:   "ask [url] [question]",
		Short: "Answer a question from a video transcript",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args[1:], " ")
			return withVideo(args[0], false, func(ctx context.Context, svc *buddy.Service, rec *domain.VideoRecord) error {
				ans := svc.VideoAnswer(ctx, rec.VideoID, question, languageFlag(language))
				fmt.Println(ans.Answer)
				if ans.Explanation != "" {
					fmt.Println()
					fmt.Println(ans.Explanation)
				}
				if ans.Status != "success" {
					return fmt.Errorf("video answer: %s", ans.Status)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", "", "reply language: en, hi or hinglish")
	return cmd
}

func videoExplainCmd() *cobra.Command {
	var (
		language string
		mode     string
	)
	cmd := &cobra.Command{
		Use:   "explain [url] [topic]",
		Short: "Explain a topic from a video (what, why or full)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := strings.Join(args[1:], " ")
			return withVideo(args[0], false, func(ctx context.Context, svc *buddy.Service, rec *domain.VideoRecord) error {
				exp := svc.Explain(ctx, rec.VideoID, topic, mode, languageFlag(language))
				fmt.Println(exp.Explanation)
				if len(exp.KeyPoints) > 0 {
					fmt.Println()
					for _, p := range exp.KeyPoints {
						fmt.Printf("  • %s\n", p)
					}
				}
				if exp.Status != "success" {
					return fmt.Errorf("explain: %s", exp.Status)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", "", "reply language: en, hi or hinglish")
	cmd.Flags().StringVarP(&mode, "mode", "m", lang.ExplainFull, "explanation mode: what, why or full")
	return cmd
}

func videoConceptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "concepts [url]",
		Short: "List the chess concepts a video covers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVideo(args[0], false, func(ctx context.Context, svc *buddy.Service, rec *domain.VideoRecord) error {
				concepts, err := svc.Concepts(ctx, rec.VideoID)
				if err != nil {
					return err
				}
				for _, c := range concepts {
					fmt.Printf("- %s: %s\n", c.Name, c.Description)
				}
				return nil
			})
		},
	}
}
