package video

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"chessbuddy/internal/domain"
	"chessbuddy/internal/lang"
)

// Result statuses.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusNotFound = "not_found"
)

const (
	defaultAnswerMaxChars  = 18000
	defaultExplainMaxChars = 15000
	maxKeyPoints           = 5
	conceptsTemperature    = 0.2
	conceptsMaxTokens      = 300
)

// TranscriptSource looks up the transcript of a processed video.
type TranscriptSource interface {
	Transcript(id string) (string, bool)
}

type TutorConfig struct {
	Source          TranscriptSource
	Provider        domain.Provider // nil reports not configured
	Catalog         *lang.Catalog
	Model           string
	Temperature     float64
	MaxTokens       int
	AnswerMaxChars  int // transcript budget for answers (default: 18000)
	ExplainMaxChars int // transcript budget for explanations (default: 15000)
	Logger          *slog.Logger
}

// Tutor answers questions about, explains and summarizes video transcripts.
type Tutor struct {
	source      TranscriptSource
	provider    domain.Provider
	catalog     *lang.Catalog
	model       string
	temperature float64
	maxTokens   int
	answerMax   int
	explainMax  int
	logger      *slog.Logger
}

func NewTutor(cfg TutorConfig) *Tutor {
	if cfg.Catalog == nil {
		cfg.Catalog = lang.DefaultCatalog()
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.2
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	if cfg.AnswerMaxChars <= 0 {
		cfg.AnswerMaxChars = defaultAnswerMaxChars
	}
	if cfg.ExplainMaxChars <= 0 {
		cfg.ExplainMaxChars = defaultExplainMaxChars
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tutor{
		source:      cfg.Source,
		provider:    cfg.Provider,
		catalog:     cfg.Catalog,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		answerMax:   cfg.AnswerMaxChars,
		explainMax:  cfg.ExplainMaxChars,
		logger:      cfg.Logger,
	}
}

// Answer answers question from the transcript of video id.
func (t *Tutor) Answer(ctx context.Context, id, question string, l domain.Language) domain.VideoAnswer {
	l = lang.Validate(string(l))
	transcript, ok := t.source.Transcript(id)
	if !ok {
		return domain.VideoAnswer{
			Answer:      domain.AnswerError,
			Explanation: t.catalog.Message("video_not_found", l),
			Language:    l,
			Status:      StatusNotFound,
		}
	}
	if t.provider == nil {
		return domain.VideoAnswer{
			Answer:      domain.AnswerError,
			Explanation: t.catalog.Message("groq_not_configured", l),
			Language:    l,
			Status:      StatusError,
		}
	}

	prompt := t.catalog.VideoAnswerPrompt(l, truncate(transcript, t.answerMax), question)
	text, err := t.chat(ctx, t.catalog.SystemPrompt(l), prompt, t.temperature, t.maxTokens)
	if err != nil {
		t.logger.Error("video answer failed", "video_id", id, "err", err)
		return domain.VideoAnswer{
			Answer:      domain.AnswerError,
			Explanation: t.catalog.Message("video_error", l),
			Language:    l,
			Status:      StatusError,
		}
	}

	answer, explanation := parseVideoAnswer(text)
	if answer == "" {
		answer = t.catalog.Message("video_default_answer", l)
		explanation = text
	}
	return domain.VideoAnswer{Answer: answer, Explanation: explanation, Language: l, Status: StatusSuccess}
}

// Explain explains topic from the transcript in one of the what, why or
// full modes.
func (t *Tutor) Explain(ctx context.Context, id, topic, mode string, l domain.Language) domain.Explanation {
	l = lang.Validate(string(l))
	switch mode {
	case lang.ExplainWhat, lang.ExplainWhy, lang.ExplainFull:
	default:
		mode = lang.ExplainFull
	}
	failed := func(msg string, status string) domain.Explanation {
		return domain.Explanation{Explanation: msg, KeyPoints: []string{}, Language: l, Mode: mode, Status: status}
	}

	transcript, ok := t.source.Transcript(id)
	if !ok {
		return failed(t.catalog.Message("video_not_found", l), StatusNotFound)
	}
	if t.provider == nil {
		return failed(t.catalog.Message("groq_not_configured", l), StatusError)
	}

	var sb strings.Builder
	sb.WriteString("VIDEO TRANSCRIPT:\n")
	sb.WriteString(truncate(transcript, t.explainMax))
	sb.WriteString("\n\nUSER QUESTION:\n")
	sb.WriteString(t.catalog.ExplainPrompt(mode, l, topic))
	sb.WriteString(`

IMPORTANT:
- Answer ONLY based on what's in the transcript
- If the topic is not covered, say so politely
- Include 2-3 key points to remember
- End with encouraging words for the child

FORMAT:
EXPLANATION: <your explanation>
KEY POINTS:
- Point 1
- Point 2
- Point 3
`)
	text, err := t.chat(ctx, t.catalog.SystemPrompt(l), sb.String(), t.temperature, t.maxTokens)
	if err != nil {
		t.logger.Error("video explanation failed", "video_id", id, "mode", mode, "err", err)
		return failed(t.catalog.Message("video_not_covered", l), StatusError)
	}

	explanation, points := parseExplanation(text)
	return domain.Explanation{Explanation: explanation, KeyPoints: points, Language: l, Mode: mode, Status: StatusSuccess}
}

// Concepts lists the chess concepts taught in a video.
func (t *Tutor) Concepts(ctx context.Context, id string) ([]domain.Concept, error) {
	transcript, ok := t.source.Transcript(id)
	if !ok {
		return nil, ErrVideoNotFound
	}
	if t.provider == nil {
		return nil, fmt.Errorf("concept extraction: %w", domain.ErrNotConfigured)
	}
	prompt := `Analyze this chess video transcript and extract the KEY CONCEPTS taught.

TRANSCRIPT:
` + truncate(transcript, t.explainMax) + `

INSTRUCTIONS:
1. Identify 3-7 main chess concepts discussed
2. For each concept give:
   - Name (e.g., "Castling", "Pin", "Fork")
   - Brief description (1 sentence)
3. Focus on concepts actually explained in the video

OUTPUT FORMAT (one per line):
CONCEPT: <name> | <brief description>

Extract the concepts:`
	text, err := t.chat(ctx, "You extract chess concepts from video transcripts.", prompt, conceptsTemperature, conceptsMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("extract concepts: %w", err)
	}
	return parseConcepts(text), nil
}

func (t *Tutor) chat(ctx context.Context, system, user string, temperature float64, maxTokens int) (string, error) {
	resp, err := t.provider.Chat(ctx, domain.ChatRequest{
		Messages:    []domain.Message{domain.SystemMessage(system), domain.UserMessage(user)},
		Model:       t.model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// truncate keeps the first n runes and marks the cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// hasPrefixFold reports whether line starts with prefix, ignoring case, and
// returns the rest.
func hasPrefixFold(line, prefix string) (string, bool) {
	if len(line) < len(prefix) || !strings.EqualFold(line[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(line[len(prefix):]), true
}

// parseVideoAnswer reads the ANSWER line and everything from the
// EXPLANATION line on. A reply without an ANSWER line yields "".
func parseVideoAnswer(text string) (answer, explanation string) {
	var expl []string
	inExpl := false
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(raw), "*"))
		if rest, ok := hasPrefixFold(line, "ANSWER:"); ok {
			answer = strings.TrimSpace(strings.Trim(rest, "*"))
			inExpl = false
			continue
		}
		if rest, ok := hasPrefixFold(line, "EXPLANATION:"); ok {
			inExpl = true
			expl = append(expl, strings.TrimSpace(strings.Trim(rest, "*")))
			continue
		}
		if inExpl {
			expl = append(expl, strings.TrimRight(raw, " \t\r"))
		}
	}
	explanation = strings.TrimSpace(strings.Join(expl, "\n"))
	if explanation == "" {
		explanation = text
	}
	return answer, explanation
}

var bulletPrefix = regexp.MustCompile(`^[-•*\d.]+\s*`)

// parseExplanation splits an EXPLANATION / KEY POINTS reply. Without a KEY
// POINTS section any bullet lines become the key points.
func parseExplanation(text string) (string, []string) {
	var expl, points []string
	inPoints := false
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if rest, ok := hasPrefixFold(line, "EXPLANATION:"); ok {
			expl = append(expl, rest)
			continue
		}
		if _, ok := hasPrefixFold(line, "KEY POINTS:"); ok {
			inPoints = true
			continue
		}
		if inPoints {
			if strings.HasPrefix(line, "-") || strings.HasPrefix(line, "•") || strings.HasPrefix(line, "*") {
				if p := strings.TrimSpace(bulletPrefix.ReplaceAllString(line, "")); p != "" {
					points = append(points, p)
				}
			}
			continue
		}
		if len(expl) > 0 && line != "" {
			expl = append(expl, line)
		}
	}

	explanation := text
	if len(expl) > 0 {
		explanation = strings.TrimSpace(strings.Join(expl, " "))
	}
	if len(points) == 0 {
		points = bulletPoints(text)
	}
	if len(points) > maxKeyPoints {
		points = points[:maxKeyPoints]
	}
	return explanation, points
}

func bulletPoints(text string) []string {
	points := []string{}
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if !bulletPrefix.MatchString(line) || !(strings.HasPrefix(line, "-") || strings.HasPrefix(line, "•") ||
			strings.HasPrefix(line, "*") || startsNumbered(line)) {
			continue
		}
		if p := strings.TrimSpace(bulletPrefix.ReplaceAllString(line, "")); p != "" {
			points = append(points, p)
		}
		if len(points) == maxKeyPoints {
			break
		}
	}
	return points
}

func startsNumbered(line string) bool {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	return i > 0 && i < len(line) && line[i] == '.'
}

// parseConcepts reads "CONCEPT: name | description" lines.
func parseConcepts(text string) []domain.Concept {
	concepts := []domain.Concept{}
	for _, raw := range strings.Split(text, "\n") {
		rest, ok := hasPrefixFold(strings.TrimSpace(raw), "CONCEPT:")
		if !ok || rest == "" {
			continue
		}
		name, desc, _ := strings.Cut(rest, "|")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		concepts = append(concepts, domain.Concept{Name: name, Description: strings.TrimSpace(desc)})
	}
	return concepts
}
