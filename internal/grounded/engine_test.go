package grounded

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"chessbuddy/internal/domain"
	"chessbuddy/internal/knowledge"
	"chessbuddy/internal/lang"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kingPassage = "Raja ne kaha, main Chessland ka King hoon, sab mujhe K bulate hain."

type fixedRetriever struct {
	passages []domain.RetrievedPassage
	err      error
	query    string
}

func (r *fixedRetriever) Retrieve(_ context.Context, query string, _ int, _ float64) ([]domain.RetrievedPassage, error) {
	r.query = query
	return r.passages, r.err
}

func passagesOf(texts ...string) *fixedRetriever {
	r := &fixedRetriever{passages: []domain.RetrievedPassage{}}
	for i, t := range texts {
		r.passages = append(r.passages, domain.RetrievedPassage{Text: t, Source: fmt.Sprintf("s%d.txt", i), Score: 0.9})
	}
	return r
}

// funcProvider answers every chat with reply(req).
type funcProvider struct {
	mu    sync.Mutex
	reply func(req domain.ChatRequest) (string, error)
	reqs  []domain.ChatRequest
}

func (p *funcProvider) Name() string                    { return "stub" }
func (p *funcProvider) Models() []string                { return nil }
func (p *funcProvider) Healthy(_ context.Context) error { return nil }

func (p *funcProvider) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	text, err := p.reply(req)
	if err != nil {
		return nil, err
	}
	return &domain.ChatResponse{Content: text}, nil
}

func replying(text string) *funcProvider {
	return &funcProvider{reply: func(domain.ChatRequest) (string, error) { return text, nil }}
}

type upperNormalizer struct{}

func (upperNormalizer) Normalize(_ context.Context, raw string) string { return "normalized: " + raw }

func newEngine(r domain.PassageRetriever, p domain.Provider) *Engine {
	cfg := Config{
		Retriever: r,
		Catalog:   lang.DefaultCatalog(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if p != nil {
		cfg.Provider = p
	}
	return NewEngine(cfg)
}

func TestAnswer_ScenarioA_SymbolDirection(t *testing.T) {
	p := replying("ANSWER: K\nPROOF: \"" + kingPassage + "\"")
	e := newEngine(passagesOf(kingPassage), p)

	got := e.Answer(context.Background(), Request{Question: "King ko kya kehte hai?"})

	assert.Equal(t, domain.OutcomeVerified, got.Outcome)
	assert.Equal(t, "K", got.Answer)
	assert.Equal(t, kingPassage, got.Proof)
	assert.Contains(t, got.Explanation, "Yaad hai jab story mein kaha gaya")
	assert.Contains(t, got.Explanation, kingPassage)
	assert.Contains(t, got.Explanation, "jawab K hai")
	assert.Equal(t, domain.Hinglish, got.Language)
	assert.Nil(t, got.Cause)

	require.Len(t, p.reqs, 1)
	assert.Equal(t, 0.2, p.reqs[0].Temperature)
	assert.Equal(t, 250, p.reqs[0].MaxTokens)
	assert.Contains(t, p.reqs[0].Messages[1].Content, kingPassage)
}

func TestAnswer_ScenarioB_NoPassages(t *testing.T) {
	for _, q := range []string{"King ko kya kehte hai?", "what is castling", ""} {
		p := replying("ANSWER: K")
		e := newEngine(passagesOf(), p)

		got := e.Answer(context.Background(), Request{Question: q})
		assert.Equal(t, domain.AnswerUnknown, got.Answer)
		assert.Equal(t, "Iska clear mention story mein nahi mila 📘", got.Explanation)
		assert.Equal(t, domain.OutcomeNoEvidence, got.Outcome)
		assert.Empty(t, p.reqs, "no model call without evidence")
	}
}

func TestAnswer_ScenarioC_OneWordUnsupportedToken(t *testing.T) {
	p := replying("Bishop")
	e := newEngine(passagesOf(kingPassage, "The pawn walks one step forward."), p)

	got := e.Answer(context.Background(), Request{Question: "Kaun diagonal chalta hai?", Mode: domain.ModeOneWord, Language: domain.English})
	assert.Equal(t, domain.AnswerUnknown, got.Answer)
	assert.Equal(t, domain.OutcomeUnverified, got.Outcome)
	assert.Equal(t, lang.DefaultCatalog().Message("unverified", domain.English), got.Explanation)
	require.Len(t, p.reqs, 1)
	assert.Equal(t, 60, p.reqs[0].MaxTokens)
}

func TestAnswer_OneWordVerifiedUsesTemplate(t *testing.T) {
	p := replying("\"King.\"")
	e := newEngine(passagesOf("The board smiled. The King moves one step. Then he rested."), p)

	got := e.Answer(context.Background(), Request{Question: "Kaun ek step chalta hai?", Mode: domain.ModeOneWord, Language: domain.English})
	assert.Equal(t, domain.OutcomeVerified, got.Outcome)
	assert.Equal(t, "King", got.Answer)
	assert.Equal(t, "The King moves one step.", got.Proof)
	assert.Contains(t, got.Explanation, "Remember when the story said")
	assert.Len(t, p.reqs, 1, "template explanation needs no second call")
}

func TestAnswer_ExplainNarrates(t *testing.T) {
	p := &funcProvider{reply: func(req domain.ChatRequest) (string, error) {
		if req.Temperature == narrateTemperature {
			return "Yaad hai jab King ne kaha \"sab mujhe K bulate hain\"!", nil
		}
		return "K", nil
	}}
	e := newEngine(passagesOf(kingPassage), p)

	got := e.Answer(context.Background(), Request{Question: "King ko kya kehte hai?", Mode: domain.ModeOneWord, Explain: true})
	assert.Equal(t, "K", got.Answer)
	assert.True(t, strings.HasPrefix(got.Explanation, "Yaad hai jab King ne kaha"))
	require.Len(t, p.reqs, 2)
	assert.Equal(t, 500, p.reqs[1].MaxTokens)
	assert.Contains(t, p.reqs[1].Messages[1].Content, "Start your explanation with: \"Yaad hai jab...\"")
}

func TestAnswer_NarrationFailureDegradesToTemplate(t *testing.T) {
	p := &funcProvider{reply: func(req domain.ChatRequest) (string, error) {
		if req.Temperature == narrateTemperature {
			return "", errors.New("503 service unavailable")
		}
		return "ANSWER: K\nPROOF: sab mujhe K bulate hain", nil
	}}
	e := newEngine(passagesOf(kingPassage), p)

	got := e.Answer(context.Background(), Request{Question: "King ko kya kehte hai?", Explain: true})
	assert.Equal(t, domain.OutcomeVerified, got.Outcome)
	assert.Equal(t, "K", got.Answer)
	assert.Contains(t, got.Explanation, "sab mujhe K bulate hain")
	assert.Contains(t, got.Explanation, "Isliye is sawal ka jawab K hai")
}

func TestAnswer_ClassifyUnknownIsNoEvidence(t *testing.T) {
	e := newEngine(passagesOf(kingPassage), replying("answer: unknown\nproof: Story me iska zikr nahi hai"))
	got := e.Answer(context.Background(), Request{Question: "Castling kya hai?", Language: domain.Hindi})
	assert.Equal(t, domain.AnswerUnknown, got.Answer)
	assert.Equal(t, domain.OutcomeNoEvidence, got.Outcome)
	assert.Equal(t, domain.Hindi, got.Language)
}

func TestAnswer_ClassifyRejectsUnattestedAnswer(t *testing.T) {
	e := newEngine(passagesOf(kingPassage), replying("ANSWER: Maharaja\nPROOF: \"sab mujhe Maharaja bulate hain\""))
	got := e.Answer(context.Background(), Request{Question: "King ko kya kehte hai?"})
	assert.Equal(t, domain.AnswerUnknown, got.Answer)
	assert.Equal(t, domain.OutcomeUnverified, got.Outcome)
}

func TestAnswer_ClassifyRejectsPunctuationAnswer(t *testing.T) {
	const dashPassage = "Main hoon Chessland ka King — K"
	e := newEngine(passagesOf(dashPassage), replying("ANSWER: —\nPROOF: \"Main hoon Chessland ka King — K\""))
	got := e.Answer(context.Background(), Request{Question: "King ka naam kya hai?"})
	assert.Equal(t, domain.AnswerUnknown, got.Answer)
	assert.Equal(t, domain.OutcomeUnverified, got.Outcome)
}

func TestAnswer_UsesConfiguredModel(t *testing.T) {
	p := replying("ANSWER: K\nPROOF: sab mujhe K bulate hain")
	e := NewEngine(Config{
		Retriever: passagesOf(kingPassage),
		Provider:  p,
		Model:     "llama-3.1-8b-instant",
		Catalog:   lang.DefaultCatalog(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	got := e.Answer(context.Background(), Request{Question: "King ko kya kehte hai?"})
	require.Equal(t, domain.OutcomeVerified, got.Outcome)
	require.NotEmpty(t, p.reqs)
	for _, req := range p.reqs {
		assert.Equal(t, "llama-3.1-8b-instant", req.Model)
	}
}

func TestAnswer_InventedProofReplacedWithStorySentence(t *testing.T) {
	e := newEngine(passagesOf(kingPassage), replying("ANSWER: K\nPROOF: \"The king is called K everywhere\""))
	got := e.Answer(context.Background(), Request{Question: "King ko kya kehte hai?"})
	assert.Equal(t, domain.OutcomeVerified, got.Outcome)
	assert.Equal(t, kingPassage, got.Proof)
}

func TestAnswer_ProviderErrorIsTypedResult(t *testing.T) {
	boom := errors.New("groq: 500 internal")
	p := &funcProvider{reply: func(domain.ChatRequest) (string, error) { return "", boom }}
	e := newEngine(passagesOf(kingPassage), p)

	got := e.Answer(context.Background(), Request{Question: "King ko kya kehte hai?"})
	assert.Equal(t, domain.AnswerError, got.Answer)
	assert.Equal(t, domain.OutcomeError, got.Outcome)
	assert.Equal(t, "Chess Buddy thoda confuse ho gaya, Phir se try karo!", got.Explanation)
	assert.ErrorIs(t, got.Cause, boom)
	assert.NotContains(t, got.Explanation, "500")
}

func TestAnswer_NotConfigured(t *testing.T) {
	tests := []struct {
		name string
		r    domain.PassageRetriever
		p    domain.Provider
	}{
		{"no provider", passagesOf(kingPassage), nil},
		{"no retriever", nil, replying("K")},
		{"index never built", &fixedRetriever{err: knowledge.ErrIndexEmpty}, replying("K")},
		{"embedding mismatch", &fixedRetriever{err: fmt.Errorf("wrap: %w", knowledge.ErrEmbeddingMismatch)}, replying("K")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(tt.r, tt.p)
			got := e.Answer(context.Background(), Request{Question: "King ko kya kehte hai?", Language: domain.English})
			assert.Equal(t, domain.OutcomeNotConfigured, got.Outcome)
			assert.Equal(t, domain.AnswerError, got.Answer)
			assert.Equal(t, "AI service is not configured. Please check API key.", got.Explanation)
		})
	}
}

func TestAnswer_RetrievalErrorIsError(t *testing.T) {
	e := newEngine(&fixedRetriever{err: errors.New("embed query: timeout")}, replying("K"))
	got := e.Answer(context.Background(), Request{Question: "King?"})
	assert.Equal(t, domain.OutcomeError, got.Outcome)
}

func TestAnswer_NormalizedQueryOnlyUsedForRetrieval(t *testing.T) {
	r := passagesOf(kingPassage)
	p := replying("ANSWER: K\nPROOF: sab mujhe K bulate hain")
	e := NewEngine(Config{
		Retriever:  r,
		Normalizer: upperNormalizer{},
		Provider:   p,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	e.Answer(context.Background(), Request{Question: "King ko kya kehte hai?"})
	assert.Equal(t, "normalized: King ko kya kehte hai?", r.query)
	require.Len(t, p.reqs, 1)
	assert.Contains(t, p.reqs[0].Messages[1].Content, "Question:\nKing ko kya kehte hai?")
	assert.NotContains(t, p.reqs[0].Messages[1].Content, "normalized:")
}

// A model that lies some of the time must never get an unsupported answer
// past the engine, in either mode.
func TestAnswer_GroundingInvariantWithLyingModel(t *testing.T) {
	passages := []string{kingPassage, "Pyada sirf aage chalta hai. The pawn is small but brave."}
	replies := []string{"K", "Queen", "pawn", "Bishop", "aage", "Rook", "Chessland", "castle", "k", "Pyada"}

	for _, mode := range []domain.AnswerMode{domain.ModeOneWord, domain.ModeClassify} {
		for _, reply := range replies {
			text := reply
			if mode == domain.ModeClassify {
				text = "ANSWER: " + reply + "\nPROOF: \"made up\""
			}
			e := newEngine(passagesOf(passages...), replying(text))
			got := e.Answer(context.Background(), Request{Question: "?", Mode: mode})
			if got.Answer == domain.AnswerUnknown {
				continue
			}
			assert.True(t, Verify(got.Answer, passages), "mode %s leaked unsupported answer %q", mode, got.Answer)
			assert.Equal(t, domain.OutcomeVerified, got.Outcome)
		}
	}
}

func TestParseClassify(t *testing.T) {
	tests := []struct {
		in, answer, proof string
	}{
		{"ANSWER: K\nPROOF: \"sab mujhe K bulate hain\"", "K", "sab mujhe K bulate hain"},
		{"answer: \"King\"\nproof: “Main hoon King”", "King", "Main hoon King"},
		{"**ANSWER:** Ek step\n**PROOF:** Raja ek kadam chalta hai", "Ek step", "Raja ek kadam chalta hai"},
		{"I think it is the king", domain.AnswerUnknown, ""},
		{"ANSWER:\nPROOF: x", domain.AnswerUnknown, "x"},
	}
	for _, tt := range tests {
		answer, proof := parseClassify(tt.in)
		assert.Equal(t, tt.answer, answer, tt.in)
		assert.Equal(t, tt.proof, proof, tt.in)
	}
}
