// Package normalize rewrites free-form Hindi, Hinglish and English chess
// questions into a canonical form that matches story sentences better.
package normalize

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"chessbuddy/internal/domain"
	"chessbuddy/internal/metrics"

	lru "github.com/hashicorp/golang-lru/v2"
)

const systemPrompt = `You are a QUERY REWRITER for a kids chess learning app.

YOUR ONLY JOB: Rewrite Hindi/Hinglish questions into clean canonical Hinglish.

RULES (STRICT):
1. Output ONLY the rewritten question - NO explanation, NO answer
2. Use standard chess terms in English: king, queen, pawn, rook, bishop, knight, board, move, attack, capture, check, checkmate
3. Keep Hindi grammar words: kaise, kya, kahan, kab, kaun, kitne, etc.
4. Prefer singular form: "pawn kaise chalta hai" not "pawns kaise chalte hain"
5. No punctuation at the end
6. One single line only
7. If already clean, return unchanged
8. Fix common ASR errors: पोर्न→pawn, किंग→king, क्वीन→queen

EXAMPLES:
Input: "पोर्न कैसे अटैक करते हैं"
Output: pawn kaise attack karta hai

Input: "किंग कैसे चलता है"
Output: king kaise chalta hai

Input: "queen ki movement kya hai"
Output: queen kaise chalti hai

Input: "रूक कहाँ चल सकता है"
Output: rook kahan chal sakta hai

DO NOT:
- Answer the question
- Add explanations
- Change the question intent
- Add punctuation
- Use multiple lines

REMEMBER: You are a REWRITER, not an ANSWERER.`

const (
	minLength        = 3
	defaultMaxLength = 200
	defaultMemoSize  = 256
	maxTokens        = 50
)

// Fallback reasons reported to metrics.
const (
	reasonNotConfigured = "not_configured"
	reasonError         = "error"
	reasonEmpty         = "empty"
	reasonTooLong       = "too_long"
	reasonMultiline     = "multiline"
)

type Config struct {
	Provider  domain.Provider
	Model     string
	MemoSize  int // memoized rewrites (default: 256)
	MaxLength int // longer rewrites are rejected (default: 200)
	Timeout   time.Duration
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Normalizer is a rewrite-only LLM pass in front of retrieval. It never
// fails: every problem falls back to the raw question.
type Normalizer struct {
	provider  domain.Provider
	model     string
	maxLength int
	timeout   time.Duration
	memo      *lru.Cache[string, string]
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func New(cfg Config) *Normalizer {
	if cfg.MemoSize <= 0 {
		cfg.MemoSize = defaultMemoSize
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = defaultMaxLength
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memo, err := lru.New[string, string](cfg.MemoSize)
	if err != nil {
		// Only returned for a non-positive size, which is excluded above.
		panic(err)
	}
	return &Normalizer{
		provider:  cfg.Provider,
		model:     cfg.Model,
		maxLength: cfg.MaxLength,
		timeout:   cfg.Timeout,
		memo:      memo,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

// Normalize returns the canonical rewrite of raw. Very short input is
// returned trimmed without a model call. Successful rewrites are memoized
// by exact input; fallbacks are not, so a transient failure is retried on
// the next call.
func (n *Normalizer) Normalize(ctx context.Context, raw string) string {
	trimmed := strings.TrimSpace(raw)
	if utf8.RuneCountInString(trimmed) < minLength {
		return trimmed
	}
	if cached, ok := n.memo.Get(raw); ok {
		return cached
	}
	if n.provider == nil {
		n.metrics.NormalizerFallback(reasonNotConfigured)
		return raw
	}

	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	resp, err := n.provider.Chat(ctx, domain.ChatRequest{
		Messages: []domain.Message{
			domain.SystemMessage(systemPrompt),
			domain.UserMessage("Rewrite this question:\n" + raw),
		},
		Model:       n.model,
		MaxTokens:   maxTokens,
		Temperature: 0,
	})
	if err != nil {
		n.logger.Warn("query normalization failed, using raw query", "err", err)
		n.metrics.NormalizerFallback(reasonError)
		return raw
	}

	rewritten, reason := n.check(resp.Content)
	if reason != "" {
		n.logger.Debug("rejected query rewrite", "reason", reason, "output", resp.Content)
		n.metrics.NormalizerFallback(reason)
		return raw
	}
	n.memo.Add(raw, rewritten)
	n.logger.Debug("query normalized", "raw", raw, "normalized", rewritten)
	return rewritten
}

// check applies the output guardrails and returns the rejection reason, if any.
func (n *Normalizer) check(out string) (string, string) {
	out = strings.TrimSpace(out)
	switch {
	case out == "":
		return "", reasonEmpty
	case strings.ContainsAny(out, "\r\n"):
		return "", reasonMultiline
	case utf8.RuneCountInString(out) > n.maxLength:
		return "", reasonTooLong
	}
	return out, ""
}

// Len reports how many rewrites are memoized.
func (n *Normalizer) Len() int { return n.memo.Len() }

var _ domain.QueryNormalizer = (*Normalizer)(nil)
