// Package grounded answers children's questions strictly from retrieved story
// passages and refuses any answer the passages do not attest.
package grounded

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"chessbuddy/internal/domain"
	"chessbuddy/internal/knowledge"
	"chessbuddy/internal/lang"
	"chessbuddy/internal/metrics"
)

const (
	classifyTemperature = 0.2
	classifyMaxTokens   = 250
	oneWordTemperature  = 0.2
	oneWordMaxTokens    = 60
	narrateTemperature  = 0.4
	narrateMaxTokens    = 500
)

// Request is one question to answer.
type Request struct {
	Question string
	Explain  bool
	Language domain.Language
	Mode     domain.AnswerMode
}

type Config struct {
	Retriever  domain.PassageRetriever
	Normalizer domain.QueryNormalizer // optional
	Provider   domain.Provider        // nil reports not_configured
	Catalog    *lang.Catalog
	Model      string
	TopK       int
	Threshold  float64
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Engine runs the retrieve, answer, verify and explain stages.
type Engine struct {
	retriever  domain.PassageRetriever
	normalizer domain.QueryNormalizer
	provider   domain.Provider
	catalog    *lang.Catalog
	model      string
	topK       int
	threshold  float64
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewEngine(cfg Config) *Engine {
	if cfg.Catalog == nil {
		cfg.Catalog = lang.DefaultCatalog()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		retriever:  cfg.Retriever,
		normalizer: cfg.Normalizer,
		provider:   cfg.Provider,
		catalog:    cfg.Catalog,
		model:      cfg.Model,
		topK:       cfg.TopK,
		threshold:  cfg.Threshold,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

// Answer never returns an error. Failures are reported through the
// Outcome and Cause fields of the result.
func (e *Engine) Answer(ctx context.Context, req Request) domain.GroundedAnswer {
	start := time.Now()
	req.Language = lang.Validate(string(req.Language))
	if req.Mode != domain.ModeOneWord {
		req.Mode = domain.ModeClassify
	}

	ans := e.answer(ctx, req)
	ans.Language = req.Language

	e.metrics.Answer(string(ans.Outcome), string(req.Mode))
	attrs := []any{
		"outcome", ans.Outcome,
		"mode", req.Mode,
		"language", req.Language,
		"elapsed", time.Since(start),
	}
	if ans.Cause != nil {
		e.logger.Error("answer failed", append(attrs, "err", ans.Cause)...)
	} else {
		e.logger.Info("question answered", attrs...)
	}
	return ans
}

func (e *Engine) answer(ctx context.Context, req Request) domain.GroundedAnswer {
	if e.retriever == nil {
		return e.failure(req.Language, domain.ErrNotConfigured)
	}
	query := e.normalize(ctx, req.Question)
	passages, err := e.retriever.Retrieve(ctx, query, e.topK, e.threshold)
	ans := e.respond(ctx, req, passages, err)
	ans.Query = query
	ans.Evidence = len(passages)
	return ans
}

func (e *Engine) respond(ctx context.Context, req Request, passages []domain.RetrievedPassage, err error) domain.GroundedAnswer {
	if err != nil {
		return e.failure(req.Language, err)
	}
	if len(passages) == 0 {
		return e.noEvidence(req.Language)
	}
	if e.provider == nil {
		return e.failure(req.Language, domain.ErrNotConfigured)
	}

	texts := knowledge.Texts(passages)
	if req.Mode == domain.ModeOneWord {
		return e.answerOneWord(ctx, req, texts)
	}
	return e.answerClassify(ctx, req, texts)
}

// Passages normalizes the question for retrieval only and returns the
// passages that clear the similarity threshold.
func (e *Engine) Passages(ctx context.Context, question string) ([]domain.RetrievedPassage, error) {
	return e.PassagesK(ctx, question, e.topK)
}

// PassagesK is Passages with an explicit result limit.
func (e *Engine) PassagesK(ctx context.Context, question string, topK int) ([]domain.RetrievedPassage, error) {
	if e.retriever == nil {
		return nil, domain.ErrNotConfigured
	}
	if topK <= 0 {
		topK = e.topK
	}
	return e.retriever.Retrieve(ctx, e.normalize(ctx, question), topK, e.threshold)
}

func (e *Engine) normalize(ctx context.Context, question string) string {
	if e.normalizer == nil {
		return question
	}
	return e.normalizer.Normalize(ctx, question)
}

func (e *Engine) answerClassify(ctx context.Context, req Request, texts []string) domain.GroundedAnswer {
	resp, err := e.chat(ctx, strictSystem[req.Language],
		classifyPrompt(joinContext(texts), req.Question), classifyTemperature, classifyMaxTokens)
	if err != nil {
		return e.failure(req.Language, err)
	}

	answer, proof := parseClassify(resp)
	if strings.EqualFold(answer, domain.AnswerUnknown) {
		return e.noEvidence(req.Language)
	}
	if !Verify(answer, texts) {
		e.logger.Warn("model answer not found in passages", "answer", answer)
		return e.unverified(req.Language)
	}
	if !attested(proof, texts) {
		proof = EvidenceSentence(answer, texts)
	}
	return e.verified(ctx, req, answer, proof, texts)
}

func (e *Engine) answerOneWord(ctx context.Context, req Request, texts []string) domain.GroundedAnswer {
	token, err := e.Propose(ctx, req.Question, texts)
	if err != nil {
		return e.failure(req.Language, err)
	}
	if token == "" || strings.EqualFold(token, domain.AnswerUnknown) {
		return e.noEvidence(req.Language)
	}
	if !Verify(token, texts) {
		e.logger.Warn("proposed answer not found in passages", "answer", token)
		return e.unverified(req.Language)
	}
	return e.verified(ctx, req, token, EvidenceSentence(token, texts), texts)
}

// Propose asks the model for a single short answer token. Its output is
// untrusted until Verify accepts it.
func (e *Engine) Propose(ctx context.Context, question string, texts []string) (string, error) {
	resp, err := e.chat(ctx, strictSystem[domain.Hinglish],
		oneWordPrompt(joinContext(texts), question), oneWordTemperature, oneWordMaxTokens)
	if err != nil {
		return "", err
	}
	return CleanAnswer(resp), nil
}

func (e *Engine) verified(ctx context.Context, req Request, answer, proof string, texts []string) domain.GroundedAnswer {
	return domain.GroundedAnswer{
		Answer:      answer,
		Explanation: e.RenderExplanation(ctx, req, answer, proof, texts),
		Proof:       proof,
		Outcome:     domain.OutcomeVerified,
	}
}

// RenderExplanation builds the explanation for an already verified answer.
// With Explain set it asks the model to narrate the story lines; a failed
// or empty narration falls back to the template.
func (e *Engine) RenderExplanation(ctx context.Context, req Request, answer, proof string, texts []string) string {
	if req.Explain && e.provider != nil {
		voice := e.catalog.Message("narration_voice", req.Language)
		text, err := e.chat(ctx, narrationSystem,
			narrationPrompt(voice, req.Language, joinContext(texts), req.Question), narrateTemperature, narrateMaxTokens)
		if err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
		if err != nil {
			e.logger.Warn("narration failed, using template", "err", err)
		}
	}
	return e.catalog.Explanation(req.Language, proof, answer)
}

func (e *Engine) chat(ctx context.Context, system, user string, temperature float64, maxTokens int) (string, error) {
	resp, err := e.provider.Chat(ctx, domain.ChatRequest{
		Messages:    []domain.Message{domain.SystemMessage(system), domain.UserMessage(user)},
		Model:       e.model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func (e *Engine) noEvidence(l domain.Language) domain.GroundedAnswer {
	return domain.GroundedAnswer{
		Answer:      domain.AnswerUnknown,
		Explanation: e.catalog.Message("not_found", l),
		Outcome:     domain.OutcomeNoEvidence,
	}
}

func (e *Engine) unverified(l domain.Language) domain.GroundedAnswer {
	return domain.GroundedAnswer{
		Answer:      domain.AnswerUnknown,
		Explanation: e.catalog.Message("unverified", l),
		Outcome:     domain.OutcomeUnverified,
	}
}

func (e *Engine) failure(l domain.Language, err error) domain.GroundedAnswer {
	if isNotConfigured(err) {
		return domain.GroundedAnswer{
			Answer:      domain.AnswerError,
			Explanation: e.catalog.Message("groq_not_configured", l),
			Outcome:     domain.OutcomeNotConfigured,
			Cause:       err,
		}
	}
	return domain.GroundedAnswer{
		Answer:      domain.AnswerError,
		Explanation: e.catalog.Message("answer_error", l),
		Outcome:     domain.OutcomeError,
		Cause:       err,
	}
}

func isNotConfigured(err error) bool {
	return errors.Is(err, domain.ErrNotConfigured) ||
		errors.Is(err, knowledge.ErrIndexEmpty) ||
		errors.Is(err, knowledge.ErrEmbeddingMismatch)
}
