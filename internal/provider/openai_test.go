package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chessbuddy/internal/config"
	"chessbuddy/internal/domain"
	"chessbuddy/internal/metrics"
)

func noBackoff(t *testing.T) {
	t.Helper()
	orig := retryBackoff
	retryBackoff = func(int) time.Duration { return 0 }
	t.Cleanup(func() { retryBackoff = orig })
}

const chatReply = `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"ANSWER: King"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":3,"total_tokens":13}}`

func TestOpenAI_ChatSendsMessagesAndParsesReply(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer key")
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, chatReply)
	}))
	defer srv.Close()

	m := metrics.New()
	p := NewOpenAI(OpenAIConfig{Name: "groq", APIKey: "test-key", APIBase: srv.URL, Model: "llama", Metrics: m, Logger: testLogger()})
	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages:    []domain.Message{domain.SystemMessage("sys"), domain.UserMessage("who is K?")},
		MaxTokens:   50,
		Temperature: 0,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "ANSWER: King" || resp.FinishReason != "stop" || resp.Usage.TotalTokens != 13 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if got["model"] != "llama" {
		t.Fatalf("expected default model, got %v", got["model"])
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %v", got["messages"])
	}
	temp, ok := got["temperature"].(float64)
	if !ok || temp <= 0 || temp > 1e-6 {
		t.Fatalf("zero temperature must be sent as a tiny positive value, got %v", got["temperature"])
	}
	if got["max_tokens"] != float64(50) {
		t.Fatalf("expected max_tokens 50, got %v", got["max_tokens"])
	}
}

func TestOpenAI_RetriesServerErrors(t *testing.T) {
	noBackoff(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "hello") {
			t.Errorf("retried request lost its body: %q", body)
		}
		if calls.Add(1) < 3 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, chatReply)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "k", APIBase: srv.URL, Logger: testLogger()})
	resp, err := p.Chat(context.Background(), domain.ChatRequest{Messages: []domain.Message{domain.UserMessage("hello")}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "ANSWER: King" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestOpenAI_ClientErrorIsNotRetried(t *testing.T) {
	noBackoff(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"bad model","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "k", APIBase: srv.URL, Logger: testLogger()})
	if _, err := p.Chat(context.Background(), domain.ChatRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestRetryingClient_GivesUpAfterMaxRetries(t *testing.T) {
	noBackoff(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewRetryingClient(srv.Client(), testLogger())
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := c.Do(req)
	var re *retryableError
	if !errors.As(err, &re) || re.statusCode != http.StatusTooManyRequests {
		t.Fatalf("expected retryableError 429, got %v", err)
	}
	if calls.Load() != maxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", maxRetries+1, calls.Load())
	}
}

func TestEmbedder_OrdersVectorsByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"object":"list","data":[
			{"object":"embedding","index":1,"embedding":[0,1]},
			{"object":"embedding","index":0,"embedding":[1,0]}],"model":"m"}`)
	}))
	defer srv.Close()

	e := NewEmbedder(EmbedderConfig{APIBase: srv.URL, Model: "distiluse", Logger: testLogger()})
	if e.ID() != "distiluse" {
		t.Fatalf("ID = %q", e.ID())
	}
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Fatalf("vectors out of order: %v", vecs)
	}
}

func TestWhisper_MapsLanguageNames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.FormValue("response_format") != "verbose_json" {
			t.Errorf("expected verbose_json, got %q", r.FormValue("response_format"))
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"task":"transcribe","language":"hindi","duration":3.5,"text":" raja kaise chalta hai "}`)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "clip.ogg")
	if err := os.WriteFile(path, []byte("fake-audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	w := NewWhisperProvider(WhisperConfig{APIBase: srv.URL, APIKey: "k", Logger: testLogger()})
	tr, err := w.Transcribe(context.Background(), path, "")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "raja kaise chalta hai" || tr.Language != "hi" || tr.Duration != 3.5 {
		t.Fatalf("unexpected transcript %+v", tr)
	}
}

func TestLanguageCode(t *testing.T) {
	cases := map[string]string{"english": "en", "Hindi": "hi", "en": "en", "": ""}
	for in, want := range cases {
		if got := languageCode(in); got != want {
			t.Errorf("languageCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseWhisperCPPOutput(t *testing.T) {
	raw := []byte(`{"result":{"language":"en"},"transcription":[
		{"offsets":{"from":0,"to":1200},"text":" The knight jumps."},
		{"offsets":{"from":1200,"to":2500},"text":"  "},
		{"offsets":{"from":2500,"to":4000},"text":" It forks the king."}]}`)
	tr, err := parseWhisperCPPOutput(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tr.Text != "The knight jumps. It forks the king." {
		t.Fatalf("text = %q", tr.Text)
	}
	if tr.Language != "en" || tr.Duration != 4 {
		t.Fatalf("unexpected %+v", tr)
	}
	if _, err := parseWhisperCPPOutput([]byte("not json")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestNormalizeForSpeech(t *testing.T) {
	got := NormalizeForSpeech("Raja ko kon bulate hai? Konark nahi")
	want := "raajaa ko kaun bulaate hai? Konark nahi"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestIsMostlyEnglish(t *testing.T) {
	if !IsMostlyEnglish("The Knight moves in an L") {
		t.Fatal("expected english")
	}
	if IsMostlyEnglish("घोड़ा ढाई घर चलता है") {
		t.Fatal("expected not english")
	}
}

func TestTTS_OpenAIPicksVoiceFromText(t *testing.T) {
	var voice string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		voice, _ = body["voice"].(string)
		w.Header().Set("Content-Type", "audio/mpeg")
		io.WriteString(w, "mp3-bytes")
	}))
	defer srv.Close()

	tts := NewTTSProvider(TTSConfig{APIBase: srv.URL, APIKey: "k", VoiceEnglish: "nova", VoiceHindi: "shimmer", Logger: testLogger()})
	rc, err := tts.Synthesize(context.Background(), "The king moves one step", "")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "mp3-bytes" || voice != "nova" {
		t.Fatalf("got %q voice=%q", data, voice)
	}

	rc, err = tts.Synthesize(context.Background(), "राजा", "")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	rc.Close()
	if voice != "shimmer" {
		t.Fatalf("expected hindi voice, got %q", voice)
	}
}

func TestTTS_ElevenLabs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/text-to-speech/voice-1" || r.Header.Get("xi-api-key") != "k" {
			t.Errorf("unexpected request %s", r.URL.Path)
		}
		io.WriteString(w, "audio")
	}))
	defer srv.Close()

	tts := NewTTSProvider(TTSConfig{Provider: "elevenlabs", APIBase: srv.URL, APIKey: "k", Logger: testLogger()})
	rc, err := tts.Synthesize(context.Background(), "hello", "voice-1")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	rc.Close()

	if _, err := tts.Synthesize(context.Background(), "   ", "voice-1"); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestFactory_MissingKeyIsNotConfigured(t *testing.T) {
	cfg := config.Defaults()
	cfg.Providers["groq"] = config.ProviderConfig{Enabled: true, APIBase: "http://x"}
	f := NewFactory(cfg, nil, testLogger())

	if _, err := f.Get("groq"); !errors.Is(err, domain.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := f.Get("nope"); err == nil {
		t.Fatal("expected unknown provider error")
	}
	cfg.Speech.APIKey = ""
	if _, err := f.Synthesizer(); !errors.Is(err, domain.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured for speech, got %v", err)
	}
}

func TestFactory_CachesAndBuildsFailoverChain(t *testing.T) {
	cfg := config.Defaults()
	cfg.Providers["groq"] = config.ProviderConfig{Enabled: true, APIBase: "http://a", APIKey: "k1"}
	cfg.Providers["openai"] = config.ProviderConfig{Enabled: true, APIBase: "http://b", APIKey: "k2"}
	cfg.Providers["off"] = config.ProviderConfig{Enabled: false}
	cfg.General.FailoverChain = []string{"groq", "off", "openai"}
	f := NewFactory(cfg, nil, testLogger())

	a, _ := f.Get("groq")
	b, _ := f.Get("groq")
	if a != b {
		t.Fatal("expected cached provider instance")
	}
	p, err := f.Chat()
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if p.Name() != "failover(groq→openai)" {
		t.Fatalf("unexpected chain %q", p.Name())
	}
}

func TestFactory_RegisteredConstructor(t *testing.T) {
	cfg := config.Defaults()
	cfg.Providers["local"] = config.ProviderConfig{Enabled: true}
	f := NewFactory(cfg, nil, testLogger())
	f.RegisterConstructor("local", func(name string, pc config.ProviderConfig, _ *slog.Logger) domain.Provider {
		return &mockProvider{name: name}
	})
	p, err := f.Get("local")
	if err != nil || p.Name() != "local" {
		t.Fatalf("got %v, %v", p, err)
	}
}
