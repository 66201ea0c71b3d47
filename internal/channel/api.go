package channel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"chessbuddy/internal/buddy"
	"chessbuddy/internal/domain"
	"chessbuddy/internal/grounded"
	"chessbuddy/internal/lang"
	"chessbuddy/internal/metrics"
	"chessbuddy/internal/video"

	"github.com/google/uuid"
)

const (
	maxBodySize   = 1 << 20  // 1MB
	maxUploadSize = 25 << 20 // whisper API limit
)

var audioExtensions = []string{".wav", ".mp3", ".flac", ".ogg", ".oga", ".m4a", ".webm"}

// Assistant is what the API and Telegram channels need from the service.
type Assistant interface {
	AnswerWith(ctx context.Context, req grounded.Request) domain.GroundedAnswer
	Retrieve(ctx context.Context, question string, topK int) ([]string, error)
	Transcribe(ctx context.Context, path, language string) (*domain.Transcript, error)
	Speak(ctx context.Context, text, voice string) (io.ReadCloser, error)
	VoiceQuery(ctx context.Context, path string, explain bool, l domain.Language) (*buddy.VoiceAnswer, error)
	ProcessVideo(ctx context.Context, url string, force bool) (*domain.VideoRecord, error)
	SubmitVideo(url string, force bool) (string, error)
	Job(id string) (video.Job, bool)
	VideoAnswer(ctx context.Context, videoID, question string, l domain.Language) domain.VideoAnswer
	Explain(ctx context.Context, videoID, topic, mode string, l domain.Language) domain.Explanation
	Concepts(ctx context.Context, videoID string) ([]domain.Concept, error)
	Videos() []domain.VideoRecord
	Transcript(videoID string) (string, bool)
	DeleteVideo(videoID string) bool
	CleanupTemp() (int, error)
	CacheStats() buddy.CacheStats
	Status(ctx context.Context) buddy.Status
	Language() domain.Language
}

type APIConfig struct {
	Host            string
	Port            int
	APIKey          string   // optional bearer token
	CORSOrigins     []string // "*" allows any origin
	MetricsEndpoint string   // empty disables /metrics
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

// API is the JSON HTTP surface over the Chess Buddy service.
type API struct {
	host            string
	port            int
	apiKey          string
	origins         []string
	metricsEndpoint string
	svc             Assistant
	metrics         *metrics.Metrics
	logger          *slog.Logger
	server          *http.Server
}

func NewAPI(svc Assistant, cfg APIConfig) *API {
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &API{
		host:            cfg.Host,
		port:            cfg.Port,
		apiKey:          cfg.APIKey,
		origins:         cfg.CORSOrigins,
		metricsEndpoint: cfg.MetricsEndpoint,
		svc:             svc,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
	}
}

func (a *API) Name() string { return "api" }

// Handler returns the routed, instrumented handler.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", a.handleRoot)
	mux.HandleFunc("GET /healthz", a.handleHealth)

	mux.HandleFunc("POST /api/chat", a.handleChat)
	mux.HandleFunc("POST /api/retrieve", a.handleRetrieve)
	mux.HandleFunc("POST /api/stt", a.handleSTT)
	mux.HandleFunc("POST /api/tts", a.handleTTS)
	mux.HandleFunc("POST /api/voice-query", a.handleVoiceQuery)

	mux.HandleFunc("POST /api/video/process", a.handleVideoProcess)
	mux.HandleFunc("GET /api/video/jobs/{id}", a.handleVideoJob)
	mux.HandleFunc("POST /api/video/chat", a.handleVideoChat)
	mux.HandleFunc("POST /api/video/explain", a.handleVideoExplain(""))
	mux.HandleFunc("POST /api/video/what", a.handleVideoExplain(lang.ExplainWhat))
	mux.HandleFunc("POST /api/video/why", a.handleVideoExplain(lang.ExplainWhy))
	mux.HandleFunc("GET /api/video/concepts/{id}", a.handleVideoConcepts)
	mux.HandleFunc("GET /api/video/list", a.handleVideoList)
	mux.HandleFunc("GET /api/video/transcript/{id}", a.handleVideoTranscript)
	mux.HandleFunc("DELETE /api/video/{id}", a.handleVideoDelete)
	mux.HandleFunc("POST /api/video/cleanup", a.handleVideoCleanup)
	mux.HandleFunc("GET /api/video/cache-stats", a.handleCacheStats)
	mux.HandleFunc("GET /api/video/languages", a.handleLanguages)

	if a.metricsEndpoint != "" && a.metrics != nil {
		mux.Handle("GET "+a.metricsEndpoint, a.metrics.Handler())
	}

	return a.withRequestID(a.withCORS(a.withAuth(a.instrument(mux))))
}

// Start serves until ctx is cancelled.
func (a *API) Start(ctx context.Context) error {
	addr := net.JoinHostPort(a.host, strconv.Itoa(a.port))
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      20 * time.Minute, // video processing runs inline
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	a.logger.Info("API server starting", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}
}

func (a *API) Stop() error {
	if a.server != nil {
		return a.server.Close()
	}
	return nil
}

// --- middleware ---

type ctxKey int

const requestIDKey ctxKey = iota

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (a *API) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		rw.Header().Set("X-Request-ID", id)
		next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (a *API) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && a.allowOrigin(origin) {
			if slices.Contains(a.origins, "*") {
				rw.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				rw.Header().Set("Access-Control-Allow-Origin", origin)
				rw.Header().Add("Vary", "Origin")
			}
			rw.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			rw.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			rw.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		}
		if r.Method == http.MethodOptions {
			rw.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func (a *API) allowOrigin(origin string) bool {
	return slices.Contains(a.origins, "*") || slices.Contains(a.origins, origin)
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if a.apiKey == "" || r.URL.Path == "/" || r.URL.Path == "/healthz" ||
			(a.metricsEndpoint != "" && r.URL.Path == a.metricsEndpoint) {
			next.ServeHTTP(rw, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.apiKey)) != 1 {
			writeJSON(rw, http.StatusUnauthorized, errorBody("invalid API key"))
			return
		}
		next.ServeHTTP(rw, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// instrument wraps the mux directly so r.Pattern is set when it returns.
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: rw, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		a.metrics.HTTPRequest(route, rec.code)
		a.logger.Debug("http request",
			"request_id", requestID(r.Context()),
			"route", route,
			"code", rec.code,
			"elapsed", time.Since(start),
		)
	})
}

// --- helpers ---

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	json.NewEncoder(rw).Encode(v)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"status": "error", "message": msg}
}

// fail logs err with the request id and writes a sanitized error body.
func (a *API) fail(rw http.ResponseWriter, r *http.Request, err error) {
	code, msg := classifyError(err)
	a.logger.Error("request failed",
		"request_id", requestID(r.Context()),
		"path", r.URL.Path,
		"code", code,
		"err", err,
	)
	writeJSON(rw, code, errorBody(msg))
}

func classifyError(err error) (int, string) {
	var dlErr *video.DownloadError
	var trErr *video.TranscribeError
	switch {
	case errors.As(err, &dlErr):
		return http.StatusBadGateway, dlErr.Error()
	case errors.As(err, &trErr):
		return http.StatusBadGateway, "transcription failed"
	case errors.Is(err, video.ErrVideoNotFound):
		return http.StatusNotFound, "Video ID not found. Process the video first."
	case errors.Is(err, buddy.ErrNotUnderstood):
		return http.StatusUnprocessableEntity, "could not understand the audio"
	case errors.Is(err, domain.ErrNotConfigured):
		return http.StatusServiceUnavailable, "service not configured"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func decode(rw http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		writeJSON(rw, http.StatusBadRequest, errorBody("invalid JSON"))
		return false
	}
	return true
}

func (a *API) language(s string) domain.Language {
	if strings.TrimSpace(s) == "" {
		return a.svc.Language()
	}
	return lang.Validate(s)
}

// saveUpload copies the multipart audio field to a temp file. The caller
// removes the file.
func saveUpload(rw http.ResponseWriter, r *http.Request) (string, bool) {
	r.Body = http.MaxBytesReader(rw, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeJSON(rw, http.StatusBadRequest, errorBody("invalid multipart form"))
		return "", false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		file, header, err = r.FormFile("audio")
	}
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, errorBody("audio file is required"))
		return "", false
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !slices.Contains(audioExtensions, ext) {
		writeJSON(rw, http.StatusBadRequest, errorBody("Unsupported audio format. Allowed: "+strings.Join(audioExtensions, ", ")))
		return "", false
	}

	tmp, err := os.CreateTemp("", "chessbuddy-audio-*"+ext)
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, errorBody("internal error"))
		return "", false
	}
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		writeJSON(rw, http.StatusBadRequest, errorBody("could not read upload"))
		return "", false
	}
	tmp.Close()
	return tmp.Name(), true
}

// --- story handlers ---

func (a *API) handleRoot(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]string{"message": "Chess Buddy AI is running!"})
}

func (a *API) handleHealth(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	st := a.svc.Status(ctx)
	code := http.StatusOK
	if !st.ProviderHealthy || st.Index == nil {
		code = http.StatusServiceUnavailable
	}
	writeJSON(rw, code, st)
}

type chatRequest struct {
	Question string `json:"question"`
	Explain  bool   `json:"explain"`
	Language string `json:"language"`
	Mode     string `json:"mode"`
}

func (a *API) handleChat(rw http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decode(rw, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeJSON(rw, http.StatusBadRequest, errorBody("question is required"))
		return
	}
	mode := domain.AnswerMode(req.Mode)
	switch mode {
	case "", domain.ModeClassify, domain.ModeOneWord:
	default:
		writeJSON(rw, http.StatusBadRequest, errorBody("mode must be classify or one_word"))
		return
	}

	ans := a.svc.AnswerWith(r.Context(), grounded.Request{
		Question: req.Question,
		Explain:  req.Explain,
		Language: a.language(req.Language),
		Mode:     mode,
	})
	if ans.Cause != nil {
		a.logger.Warn("answer degraded", "request_id", requestID(r.Context()), "outcome", ans.Outcome, "err", ans.Cause)
	}
	writeJSON(rw, http.StatusOK, ans)
}

type retrieveRequest struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k"`
}

func (a *API) handleRetrieve(rw http.ResponseWriter, r *http.Request) {
	req := retrieveRequest{TopK: 5}
	if !decode(rw, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeJSON(rw, http.StatusBadRequest, errorBody("question is required"))
		return
	}
	chunks, err := a.svc.Retrieve(r.Context(), req.Question, req.TopK)
	if err != nil {
		a.fail(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"chunks": chunks})
}

func (a *API) handleSTT(rw http.ResponseWriter, r *http.Request) {
	path, ok := saveUpload(rw, r)
	if !ok {
		return
	}
	defer os.Remove(path)

	language := r.FormValue("language")
	if language == "" {
		language = "auto"
	}
	tr, err := a.svc.Transcribe(r.Context(), path, language)
	if err != nil {
		a.fail(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"text": tr.Text, "language": tr.Language})
}

type ttsRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

func (a *API) handleTTS(rw http.ResponseWriter, r *http.Request) {
	var req ttsRequest
	if !decode(rw, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(rw, http.StatusBadRequest, errorBody("text is required"))
		return
	}
	audio, err := a.svc.Speak(r.Context(), req.Text, req.Voice)
	if err != nil {
		a.fail(rw, r, err)
		return
	}
	defer audio.Close()
	rw.Header().Set("Content-Type", "audio/mpeg")
	rw.Header().Set("Content-Disposition", `inline; filename="speech.mp3"`)
	if _, err := io.Copy(rw, audio); err != nil {
		a.logger.Warn("tts stream interrupted", "request_id", requestID(r.Context()), "err", err)
	}
}

func (a *API) handleVoiceQuery(rw http.ResponseWriter, r *http.Request) {
	path, ok := saveUpload(rw, r)
	if !ok {
		return
	}
	defer os.Remove(path)

	explain, _ := strconv.ParseBool(r.FormValue("explain"))
	var l domain.Language
	if s := r.FormValue("language"); s != "" {
		l = lang.Validate(s)
	}
	res, err := a.svc.VoiceQuery(r.Context(), path, explain, l)
	if err != nil {
		a.fail(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, res)
}

// --- video handlers ---

type videoProcessRequest struct {
	URL          string `json:"video_url"`
	LegacyURL    string `json:"url"`
	ForceRefresh bool   `json:"force_refresh"`
	Async        bool   `json:"async"`
}

type videoSummary struct {
	Status           string  `json:"status"`
	VideoID          string  `json:"video_id"`
	Title            string  `json:"title,omitempty"`
	Duration         float64 `json:"duration,omitempty"`
	DetectedLanguage string  `json:"detected_language,omitempty"`
	Cached           bool    `json:"cached"`
	TranscriptChars  int     `json:"transcript_chars"`
	Message          string  `json:"message"`
}

func (a *API) handleVideoProcess(rw http.ResponseWriter, r *http.Request) {
	var req videoProcessRequest
	if !decode(rw, r, &req) {
		return
	}
	url := strings.TrimSpace(req.URL)
	if url == "" {
		url = strings.TrimSpace(req.LegacyURL)
	}
	if url == "" {
		writeJSON(rw, http.StatusBadRequest, errorBody("video_url is required"))
		return
	}

	if req.Async {
		id, err := a.svc.SubmitVideo(url, req.ForceRefresh)
		if err != nil {
			a.fail(rw, r, err)
			return
		}
		writeJSON(rw, http.StatusAccepted, map[string]string{"status": "accepted", "job_id": id})
		return
	}

	rec, err := a.svc.ProcessVideo(r.Context(), url, req.ForceRefresh)
	if err != nil {
		a.fail(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, videoSummary{
		Status:           "success",
		VideoID:          rec.VideoID,
		Title:            rec.Title,
		Duration:         rec.Duration,
		DetectedLanguage: rec.DetectedLanguage,
		Cached:           rec.Cached,
		TranscriptChars:  len([]rune(rec.Transcript)),
		Message:          "Video processed successfully! You can now chat or get explanations.",
	})
}

func (a *API) handleVideoJob(rw http.ResponseWriter, r *http.Request) {
	job, ok := a.svc.Job(r.PathValue("id"))
	if !ok {
		writeJSON(rw, http.StatusNotFound, errorBody("job not found"))
		return
	}
	writeJSON(rw, http.StatusOK, job)
}

type videoChatRequest struct {
	VideoID  string `json:"video_id"`
	Question string `json:"question"`
	Language string `json:"language"`
}

func (a *API) handleVideoChat(rw http.ResponseWriter, r *http.Request) {
	var req videoChatRequest
	if !decode(rw, r, &req) {
		return
	}
	if req.VideoID == "" || strings.TrimSpace(req.Question) == "" {
		writeJSON(rw, http.StatusBadRequest, errorBody("video_id and question are required"))
		return
	}
	ans := a.svc.VideoAnswer(r.Context(), req.VideoID, req.Question, a.language(req.Language))
	writeJSON(rw, statusCode(ans.Status), ans)
}

type videoExplainRequest struct {
	VideoID  string `json:"video_id"`
	Topic    string `json:"topic"`
	Query    string `json:"query"`
	Mode     string `json:"mode"`
	Language string `json:"language"`
}

type explainResponse struct {
	Topic string `json:"topic"`
	domain.Explanation
}

// handleVideoExplain serves /explain (mode from the body) and the /what and
// /why shortcuts (fixed mode).
func (a *API) handleVideoExplain(fixedMode string) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var req videoExplainRequest
		if !decode(rw, r, &req) {
			return
		}
		topic := strings.TrimSpace(req.Topic)
		if topic == "" {
			topic = strings.TrimSpace(req.Query)
		}
		if req.VideoID == "" || topic == "" {
			writeJSON(rw, http.StatusBadRequest, errorBody("video_id and topic are required"))
			return
		}
		mode := fixedMode
		if mode == "" {
			mode = req.Mode
		}
		exp := a.svc.Explain(r.Context(), req.VideoID, topic, mode, a.language(req.Language))
		writeJSON(rw, statusCode(exp.Status), explainResponse{Topic: topic, Explanation: exp})
	}
}

func statusCode(status string) int {
	switch status {
	case video.StatusNotFound:
		return http.StatusNotFound
	default:
		return http.StatusOK
	}
}

func (a *API) handleVideoConcepts(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	concepts, err := a.svc.Concepts(r.Context(), id)
	if err != nil {
		a.fail(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"video_id": id,
		"concepts": concepts,
		"count":    len(concepts),
	})
}

type videoListItem struct {
	VideoID          string    `json:"video_id"`
	Title            string    `json:"title,omitempty"`
	URL              string    `json:"url"`
	DetectedLanguage string    `json:"detected_language,omitempty"`
	Duration         float64   `json:"duration,omitempty"`
	ProcessedAt      time.Time `json:"processed_at"`
}

func (a *API) handleVideoList(rw http.ResponseWriter, r *http.Request) {
	videos := a.svc.Videos()
	items := make([]videoListItem, len(videos))
	for i, v := range videos {
		items[i] = videoListItem{
			VideoID:          v.VideoID,
			Title:            v.Title,
			URL:              v.URL,
			DetectedLanguage: v.DetectedLanguage,
			Duration:         v.Duration,
			ProcessedAt:      v.ProcessedAt,
		}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"count": len(items), "videos": items})
}

func (a *API) handleVideoTranscript(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	transcript, ok := a.svc.Transcript(id)
	if !ok {
		a.fail(rw, r, video.ErrVideoNotFound)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"video_id": id, "transcript": transcript})
}

func (a *API) handleVideoDelete(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.svc.DeleteVideo(id) {
		a.fail(rw, r, video.ErrVideoNotFound)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"status": "success", "message": "Video " + id + " deleted"})
}

func (a *API) handleVideoCleanup(rw http.ResponseWriter, r *http.Request) {
	n, err := a.svc.CleanupTemp()
	if err != nil {
		a.fail(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"status": "success", "deleted": n})
}

func (a *API) handleCacheStats(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, a.svc.CacheStats())
}

func (a *API) handleLanguages(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"supported":    lang.Supported,
		"default":      a.svc.Language(),
		"descriptions": lang.Names,
	})
}
