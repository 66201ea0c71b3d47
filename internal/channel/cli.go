package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"chessbuddy/internal/domain"
	"chessbuddy/internal/grounded"
	"chessbuddy/internal/lang"
)

// CLI is an interactive terminal chat over the story corpus.
type CLI struct {
	svc      Assistant
	logger   *slog.Logger
	in       io.Reader
	out      io.Writer
	language domain.Language
	spinner  bool

	thinkMu   sync.Mutex
	thinkStop chan struct{}
	thinkDone chan struct{}
}

type CLIConfig struct {
	Logger   *slog.Logger
	In       io.Reader
	Out      io.Writer
	Language domain.Language // empty uses the assistant default
	Spinner  bool
}

func NewCLI(svc Assistant, cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Language == "" {
		cfg.Language = svc.Language()
	}
	return &CLI{
		svc:      svc,
		logger:   cfg.Logger,
		in:       cfg.In,
		out:      cfg.Out,
		language: cfg.Language,
		spinner:  cfg.Spinner,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the REPL until EOF, /quit or ctx is cancelled.
func (c *CLI) Start(ctx context.Context) error {
	_, _ = fmt.Fprintln(c.out, "Chess Buddy CLI. Ask about the stories. /why <q> explains, /lang <code> switches language, /quit exits.")
	_, _ = fmt.Fprint(c.out, "You> ")

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit" || line == "/exit" || line == "/q":
			c.logger.Info("user requested quit")
			return nil
		case strings.HasPrefix(line, "/lang"):
			code := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "/lang")))
			if lang.IsSupported(code) {
				c.language = domain.Language(code)
				_, _ = fmt.Fprintf(c.out, "Language: %s\n", c.language)
			} else {
				_, _ = fmt.Fprintln(c.out, "Usage: /lang en|hi|hinglish")
			}
		case strings.HasPrefix(line, "/why "):
			c.ask(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/why ")), true)
		default:
			c.ask(ctx, line, false)
		}
		_, _ = fmt.Fprint(c.out, "You> ")
	}
}

func (c *CLI) ask(ctx context.Context, question string, explain bool) {
	c.startThinking()
	ans := c.svc.AnswerWith(ctx, grounded.Request{Question: question, Explain: explain, Language: c.language})
	c.stopThinking()

	if ans.Cause != nil {
		c.logger.Debug("answer degraded", "outcome", ans.Outcome, "err", ans.Cause)
	}
	_, _ = fmt.Fprintln(c.out, "--- Chess Buddy ---")
	_, _ = fmt.Fprintln(c.out, formatAnswer(ans))
	if explain && ans.Proof != "" && !strings.Contains(ans.Explanation, ans.Proof) {
		_, _ = fmt.Fprintf(c.out, "> %s\n", ans.Proof)
	}
	_, _ = fmt.Fprintln(c.out, "-------------------")
}

func (c *CLI) startThinking() {
	if !c.spinner {
		return
	}
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinkStop != nil {
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	c.thinkStop, c.thinkDone = stop, done
	go func() {
		defer close(done)
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fmt.Fprintf(c.out, "\r%s Thinking...", frames[i%len(frames)])
				i++
			}
		}
	}()
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinkStop == nil {
		return
	}
	close(c.thinkStop)
	<-c.thinkDone
	c.thinkStop, c.thinkDone = nil, nil
	_, _ = fmt.Fprint(c.out, "\r\033[K")
}
