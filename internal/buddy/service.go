// Package buddy is the service facade the HTTP API, the Telegram channel and
// the CLI share. It composes the grounded answer engine, the video pipeline
// and the speech collaborators, and owns the response cache.
package buddy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"chessbuddy/internal/cache"
	"chessbuddy/internal/domain"
	"chessbuddy/internal/grounded"
	"chessbuddy/internal/knowledge"
	"chessbuddy/internal/lang"
	"chessbuddy/internal/metrics"
	"chessbuddy/internal/storage"
	"chessbuddy/internal/video"
)

// ErrNotUnderstood means every language attempt produced an empty transcript.
var ErrNotUnderstood = errors.New("speech not understood")

// IndexLoader opens the story index; *knowledge.Retriever implements it.
type IndexLoader interface {
	Load(ctx context.Context) (*domain.IndexManifest, error)
}

// AnswerLog receives one audit entry per answered question.
type AnswerLog interface {
	LogAnswer(ctx context.Context, e storage.AnswerLogEntry) error
}

type Config struct {
	Engine      *grounded.Engine
	Pipeline    *video.Pipeline
	Tutor       *video.Tutor
	Jobs        *video.Jobs                       // optional; async processing
	Responses   *cache.TTL[domain.GroundedAnswer] // optional
	Speech      domain.Transcriber                // optional; voice questions
	Synthesizer domain.Synthesizer                // optional
	AuditLog    AnswerLog                         // optional
	Chat        domain.Provider                   // reported by Status
	Index       IndexLoader                       // reported by Status
	Mode        domain.AnswerMode
	Language    domain.Language // reply language when a request names none
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Closers     []io.Closer // closed by Close after the job pool stops
}

// Service is the single entry point for every surface.
type Service struct {
	engine      *grounded.Engine
	pipeline    *video.Pipeline
	tutor       *video.Tutor
	jobs        *video.Jobs
	responses   *cache.TTL[domain.GroundedAnswer]
	speech      domain.Transcriber
	synthesizer domain.Synthesizer
	audit       AnswerLog
	chat        domain.Provider
	index       IndexLoader
	mode        domain.AnswerMode
	language    domain.Language
	metrics     *metrics.Metrics
	logger      *slog.Logger
	closers     []io.Closer
}

func New(cfg Config) *Service {
	if cfg.Mode != domain.ModeOneWord {
		cfg.Mode = domain.ModeClassify
	}
	cfg.Language = lang.Validate(string(cfg.Language))
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		engine:      cfg.Engine,
		pipeline:    cfg.Pipeline,
		tutor:       cfg.Tutor,
		jobs:        cfg.Jobs,
		responses:   cfg.Responses,
		speech:      cfg.Speech,
		synthesizer: cfg.Synthesizer,
		audit:       cfg.AuditLog,
		chat:        cfg.Chat,
		index:       cfg.Index,
		mode:        cfg.Mode,
		language:    cfg.Language,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		closers:     cfg.Closers,
	}
}

// Language is the default reply language.
func (s *Service) Language() domain.Language { return s.language }

// Answer answers a story question in the configured answer mode.
func (s *Service) Answer(ctx context.Context, question string, explain bool, l domain.Language) domain.GroundedAnswer {
	return s.AnswerWith(ctx, grounded.Request{Question: question, Explain: explain, Language: l, Mode: s.mode})
}

// AnswerWith answers with an explicit mode. Verified and no-evidence results
// are memoized in the response cache; failures never are.
func (s *Service) AnswerWith(ctx context.Context, req grounded.Request) domain.GroundedAnswer {
	start := time.Now()
	req.Question = strings.TrimSpace(req.Question)
	if req.Language == "" {
		req.Language = s.language
	}
	req.Language = lang.Validate(string(req.Language))
	if req.Mode == "" {
		req.Mode = s.mode
	}

	key := responseKey(req)
	if s.responses != nil {
		if ans, ok := s.responses.Get(key); ok {
			return ans
		}
	}

	ans := s.engine.Answer(ctx, req)
	if s.responses != nil && (ans.Outcome == domain.OutcomeVerified || ans.Outcome == domain.OutcomeNoEvidence) {
		s.responses.Set(key, ans)
	}

	if s.audit != nil {
		entry := storage.AnswerLogEntry{
			Question:   req.Question,
			Normalized: ans.Query,
			Language:   ans.Language,
			Mode:       req.Mode,
			Outcome:    ans.Outcome,
			Answer:     ans.Answer,
			Passages:   ans.Evidence,
			LatencyMs:  time.Since(start).Milliseconds(),
		}
		if err := s.audit.LogAnswer(context.WithoutCancel(ctx), entry); err != nil {
			s.logger.Warn("audit log write failed", "err", err)
		}
	}
	return ans
}

func responseKey(req grounded.Request) string {
	return fmt.Sprintf("answer:%s:%s:%t:%s", req.Mode, req.Language, req.Explain, strings.ToLower(req.Question))
}

// Retrieve returns the texts of the passages relevant to question, best first.
func (s *Service) Retrieve(ctx context.Context, question string, topK int) ([]string, error) {
	passages, err := s.engine.PassagesK(ctx, question, topK)
	if err != nil {
		return nil, err
	}
	return knowledge.Texts(passages), nil
}

// Passages is Retrieve with sources and scores.
func (s *Service) Passages(ctx context.Context, question string, topK int) ([]domain.RetrievedPassage, error) {
	return s.engine.PassagesK(ctx, question, topK)
}

// ProcessVideo downloads and transcribes url, or returns the cached transcript.
func (s *Service) ProcessVideo(ctx context.Context, url string, force bool) (*domain.VideoRecord, error) {
	return s.pipeline.Process(ctx, url, force)
}

// SubmitVideo queues url for background processing and returns the job id.
func (s *Service) SubmitVideo(url string, force bool) (string, error) {
	if s.jobs == nil {
		return "", fmt.Errorf("video jobs: %w", domain.ErrNotConfigured)
	}
	return s.jobs.Submit(url, force), nil
}

// Job reports the state of a background video job.
func (s *Service) Job(id string) (video.Job, bool) {
	if s.jobs == nil {
		return video.Job{}, false
	}
	return s.jobs.Get(id)
}

// VideoAnswer answers a question about a processed video.
func (s *Service) VideoAnswer(ctx context.Context, videoID, question string, l domain.Language) domain.VideoAnswer {
	if l == "" {
		l = s.language
	}
	return s.tutor.Answer(ctx, videoID, question, l)
}

// Explain explains topic from a processed video in what, why or full mode.
func (s *Service) Explain(ctx context.Context, videoID, topic, mode string, l domain.Language) domain.Explanation {
	if l == "" {
		l = s.language
	}
	return s.tutor.Explain(ctx, videoID, topic, mode, l)
}

// Concepts lists the chess concepts a processed video teaches.
func (s *Service) Concepts(ctx context.Context, videoID string) ([]domain.Concept, error) {
	return s.tutor.Concepts(ctx, videoID)
}

// Videos lists processed videos, newest first.
func (s *Service) Videos() []domain.VideoRecord {
	return s.pipeline.Directory().List()
}

// Transcript returns the cached transcript of a processed video.
func (s *Service) Transcript(videoID string) (string, bool) {
	return s.pipeline.Transcript(videoID)
}

// DeleteVideo forgets a processed video and its transcript.
func (s *Service) DeleteVideo(videoID string) bool {
	return s.pipeline.Delete(videoID)
}

// CleanupTemp removes leftover downloads from the temp directory.
func (s *Service) CleanupTemp() (int, error) {
	return s.pipeline.CleanupTemp()
}

// CacheStats is a point-in-time view of every cache.
type CacheStats struct {
	TranscriptCache cache.Stats `json:"transcript_cache"`
	ResponseCache   cache.Stats `json:"response_cache"`
	VideoDirectory  cache.Stats `json:"video_directory"`
}

func (s *Service) CacheStats() CacheStats {
	var st CacheStats
	st.TranscriptCache = s.pipeline.Transcripts().Stats()
	st.VideoDirectory = s.pipeline.Directory().Stats()
	if s.responses != nil {
		st.ResponseCache = s.responses.Stats()
	}
	return st
}

// ClearResponses drops every memoized answer, e.g. after an index rebuild.
func (s *Service) ClearResponses() {
	if s.responses != nil {
		s.responses.Clear()
	}
}

// Transcribe converts a voice recording to text. "auto" (or "") tries Hindi
// first and then English; an empty transcript moves on to the next language.
func (s *Service) Transcribe(ctx context.Context, path, language string) (*domain.Transcript, error) {
	if s.speech == nil {
		return nil, fmt.Errorf("speech to text: %w", domain.ErrNotConfigured)
	}
	candidates := speechLanguages(language)
	var lastErr error
	for _, hint := range candidates {
		tr, err := s.speech.Transcribe(ctx, path, hint)
		if err != nil {
			lastErr = err
			s.logger.Warn("transcription attempt failed", "language", hint, "err", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if strings.TrimSpace(tr.Text) == "" {
			s.logger.Debug("nothing understood, trying next language", "language", hint)
			continue
		}
		if tr.Language == "" {
			tr.Language = hint
		}
		return tr, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("transcribe speech: %w", lastErr)
	}
	return nil, ErrNotUnderstood
}

// speechLanguages maps a requested language ("auto", "hi-IN", "en", ...) to
// the Whisper hints to try in order.
func speechLanguages(language string) []string {
	l := strings.ToLower(strings.TrimSpace(language))
	switch {
	case l == "" || l == "auto":
		return []string{"hi", "en"}
	case strings.HasPrefix(l, "hi"):
		return []string{"hi"}
	case strings.HasPrefix(l, "en"):
		return []string{"en"}
	default:
		return []string{l}
	}
}

// Speak renders text as MP3 audio. An empty voice is picked from the text.
func (s *Service) Speak(ctx context.Context, text, voice string) (io.ReadCloser, error) {
	if s.synthesizer == nil {
		return nil, fmt.Errorf("text to speech: %w", domain.ErrNotConfigured)
	}
	return s.synthesizer.Synthesize(ctx, text, voice)
}

// VoiceAnswer is the result of a spoken question.
type VoiceAnswer struct {
	TranscribedText  string          `json:"transcribed_text"`
	DetectedLanguage string          `json:"detected_language"`
	Answer           string          `json:"answer"`
	Explanation      string          `json:"explanation,omitempty"`
	Language         domain.Language `json:"language"`
	Outcome          domain.Outcome  `json:"outcome"`
}

// VoiceQuery transcribes a recorded question and answers it. Without an
// explicit reply language the language of the transcript is used.
func (s *Service) VoiceQuery(ctx context.Context, path string, explain bool, l domain.Language) (*VoiceAnswer, error) {
	tr, err := s.Transcribe(ctx, path, "auto")
	if err != nil {
		return nil, err
	}
	if l == "" {
		l = lang.Detect(tr.Text)
	}
	ans := s.Answer(ctx, tr.Text, explain, l)
	return &VoiceAnswer{
		TranscribedText:  tr.Text,
		DetectedLanguage: tr.Language,
		Answer:           ans.Answer,
		Explanation:      ans.Explanation,
		Language:         ans.Language,
		Outcome:          ans.Outcome,
	}, nil
}

// Status summarizes which features are usable.
type Status struct {
	Provider        string                `json:"provider,omitempty"`
	ProviderHealthy bool                  `json:"provider_healthy"`
	ProviderError   string                `json:"provider_error,omitempty"`
	Index           *domain.IndexManifest `json:"index,omitempty"`
	IndexError      string                `json:"index_error,omitempty"`
	SpeechToText    bool                  `json:"speech_to_text"`
	TextToSpeech    bool                  `json:"text_to_speech"`
	ActiveJobs      int                   `json:"active_jobs"`
}

// Status checks the chat provider and the story index.
func (s *Service) Status(ctx context.Context) Status {
	st := Status{
		SpeechToText: s.speech != nil,
		TextToSpeech: s.synthesizer != nil,
	}
	if s.chat == nil {
		st.ProviderError = domain.ErrNotConfigured.Error()
	} else {
		st.Provider = s.chat.Name()
		if err := s.chat.Healthy(ctx); err != nil {
			st.ProviderError = err.Error()
		} else {
			st.ProviderHealthy = true
		}
	}
	if s.index == nil {
		st.IndexError = domain.ErrNotConfigured.Error()
	} else if m, err := s.index.Load(ctx); err != nil {
		st.IndexError = err.Error()
	} else {
		st.Index = m
	}
	if s.jobs != nil {
		st.ActiveJobs = len(s.jobs.ListActive())
	}
	return st
}

// Close stops background jobs and releases stores.
func (s *Service) Close() error {
	if s.jobs != nil {
		s.jobs.Close()
	}
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
