package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chessbuddy/internal/buddy"
	"chessbuddy/internal/domain"
	"chessbuddy/internal/grounded"
	"chessbuddy/internal/lang"
	"chessbuddy/internal/video"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramMaxChats       = 4096
	telegramMaxVoiceBytes  = 20 << 20 // bot API download limit
	telegramMaxInFlight    = 16
)

// botAPI is the part of tgbotapi.BotAPI the channel uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

// chatState is what the bot remembers per chat.
type chatState struct {
	language domain.Language
	videoID  string
}

// Telegram serves story and video questions over a Telegram bot.
type Telegram struct {
	token     string
	allowFrom []int64 // Allowed user IDs (empty = allow all)
	parseMode string

	svc     Assistant
	catalog *lang.Catalog
	bot     botAPI
	client  *http.Client
	chats   *lru.Cache[int64, chatState]
	chatsMu sync.Mutex // serializes read-modify-write of chats
	sem     *semaphore.Weighted
	logger  *slog.Logger
	backoff func(attempt int) time.Duration
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // User IDs as strings
	ParseMode string
	Catalog   *lang.Catalog
	Logger    *slog.Logger
}

func NewTelegram(svc Assistant, cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = tgbotapi.ModeMarkdown
	}
	if cfg.Catalog == nil {
		cfg.Catalog = lang.DefaultCatalog()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	chats, _ := lru.New[int64, chatState](telegramMaxChats)
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		svc:       svc,
		catalog:   cfg.Catalog,
		client:    &http.Client{Timeout: 60 * time.Second},
		chats:     chats,
		sem:       semaphore.NewWeighted(telegramMaxInFlight),
		logger:    cfg.Logger,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt+1) * time.Second
		},
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and long-polls until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if err := t.sem.Acquire(ctx, 1); err != nil {
				bot.StopReceivingUpdates()
				return nil
			}
			go func() {
				defer t.sem.Release(1)
				t.handleUpdate(ctx, update)
			}()
		}
	}
}

// Stop is a no-op: the bot stops when Start's context is cancelled, and
// calling StopReceivingUpdates twice panics.
func (t *Telegram) Stop() error {
	return nil
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}

	userID := msg.From.ID
	chatID := msg.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", msg.From.UserName,
		)
		t.sendMessage(chatID, "⛔ Unauthorized. Your user ID is not in the allow list.")
		return
	}

	if msg.Voice != nil {
		t.handleVoice(ctx, chatID, msg.Voice)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if msg.IsCommand() {
		t.handleCommand(ctx, chatID, msg.Command(), strings.TrimSpace(msg.CommandArguments()))
		return
	}

	t.logger.Info("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(text),
	)
	t.typing(chatID)
	t.answer(ctx, chatID, text, false)
}

func (t *Telegram) handleCommand(ctx context.Context, chatID int64, cmd, args string) {
	l := t.state(chatID).language
	switch cmd {
	case "start":
		t.sendMessage(chatID, t.catalog.Message("welcome", l)+"\n\n"+t.catalog.Message("help", l))
	case "help":
		t.sendMessage(chatID, t.catalog.Message("help", l))
	case "lang":
		if !lang.IsSupported(strings.ToLower(args)) {
			t.sendMessage(chatID, "Usage: /lang en|hi|hinglish")
			return
		}
		t.update(chatID, func(s *chatState) { s.language = domain.Language(strings.ToLower(args)) })
		t.sendMessage(chatID, t.catalog.Message("welcome", domain.Language(strings.ToLower(args))))
	case "why":
		if args == "" {
			t.sendMessage(chatID, t.catalog.Message("help", l))
			return
		}
		t.typing(chatID)
		t.answer(ctx, chatID, args, true)
	case "video":
		t.handleVideo(ctx, chatID, args)
	case "vq":
		videoID := t.state(chatID).videoID
		if videoID == "" {
			t.sendMessage(chatID, t.catalog.Message("no_active_video", l))
			return
		}
		if args == "" {
			t.sendMessage(chatID, t.catalog.Message("help", l))
			return
		}
		t.typing(chatID)
		ans := t.svc.VideoAnswer(ctx, videoID, args, l)
		t.sendMessage(chatID, joinNonEmpty(ans.Answer, ans.Explanation))
	default:
		t.sendMessage(chatID, "Unknown command. Type /help for available commands.")
	}
}

func (t *Telegram) answer(ctx context.Context, chatID int64, question string, explain bool) {
	ans := t.svc.AnswerWith(ctx, grounded.Request{
		Question: question,
		Explain:  explain,
		Language: t.state(chatID).language,
	})
	if ans.Cause != nil {
		t.logger.Warn("telegram answer degraded", "chat_id", chatID, "outcome", ans.Outcome, "err", ans.Cause)
	}
	reply := formatAnswer(ans)
	if explain && ans.Proof != "" && !strings.Contains(ans.Explanation, ans.Proof) {
		reply += "\n\n" + t.catalog.Message("found_header", t.state(chatID).language) + "\n“" + ans.Proof + "”"
	}
	t.sendMessage(chatID, reply)
}

func (t *Telegram) videoError(err error, l domain.Language) string {
	var dlErr *video.DownloadError
	var trErr *video.TranscribeError
	switch {
	case errors.As(err, &dlErr):
		return t.catalog.Message("download_error", l) + "\n" + video.UserMessage(err)
	case errors.As(err, &trErr):
		return t.catalog.Message("transcript_error", l)
	case errors.Is(err, domain.ErrNotConfigured):
		return t.catalog.Message("groq_not_configured", l)
	default:
		return t.catalog.Message("general_error", l)
	}
}

func (t *Telegram) handleVideo(ctx context.Context, chatID int64, url string) {
	l := t.state(chatID).language
	if url == "" {
		t.sendMessage(chatID, "Usage: /video <url>")
		return
	}
	t.typing(chatID)
	rec, err := t.svc.ProcessVideo(ctx, url, false)
	if err != nil {
		t.logger.Error("telegram video failed", "chat_id", chatID, "url", url, "err", err)
		t.sendMessage(chatID, t.videoError(err, l))
		return
	}
	t.update(chatID, func(s *chatState) { s.videoID = rec.VideoID })
	reply := t.catalog.Message("video_ready", l)
	if rec.Title != "" {
		reply = "🎬 " + rec.Title + "\n" + reply
	}
	t.sendMessage(chatID, reply)
}

func (t *Telegram) handleVoice(ctx context.Context, chatID int64, voice *tgbotapi.Voice) {
	l := t.state(chatID).language
	if voice.FileSize > telegramMaxVoiceBytes {
		t.sendMessage(chatID, t.catalog.Message("voice_not_understood", l))
		return
	}
	t.typing(chatID)

	path, err := t.downloadVoice(ctx, voice.FileID)
	if err != nil {
		t.logger.Error("telegram voice download failed", "chat_id", chatID, "err", err)
		t.sendMessage(chatID, t.catalog.Message("general_error", l))
		return
	}
	defer os.Remove(path)

	res, err := t.svc.VoiceQuery(ctx, path, false, l)
	if err != nil {
		t.logger.Warn("telegram voice query failed", "chat_id", chatID, "err", err)
		if errors.Is(err, buddy.ErrNotUnderstood) {
			t.sendMessage(chatID, t.catalog.Message("voice_not_understood", l))
			return
		}
		t.sendMessage(chatID, t.catalog.Message("general_error", l))
		return
	}
	t.sendMessage(chatID, "🎤 "+res.TranscribedText+"\n\n"+joinNonEmpty(res.Answer, res.Explanation))
}

func (t *Telegram) downloadVoice(ctx context.Context, fileID string) (string, error) {
	url, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("resolve voice file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download voice: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download voice: status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "chessbuddy-voice-*.oga")
	if err != nil {
		return "", err
	}
	defer tmp.Close()
	if _, err := io.Copy(tmp, io.LimitReader(resp.Body, telegramMaxVoiceBytes)); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("save voice: %w", err)
	}
	return tmp.Name(), nil
}

func formatAnswer(ans domain.GroundedAnswer) string {
	return joinNonEmpty(ans.Answer, ans.Explanation)
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}

func (t *Telegram) state(chatID int64) chatState {
	s, ok := t.chats.Get(chatID)
	if !ok || s.language == "" {
		s.language = t.svc.Language()
	}
	return s
}

func (t *Telegram) update(chatID int64, fn func(*chatState)) {
	t.chatsMu.Lock()
	defer t.chatsMu.Unlock()
	s := t.state(chatID)
	fn(&s)
	t.chats.Add(chatID, s)
}

func (t *Telegram) isAllowed(userID int64) bool {
	return len(t.allowFrom) == 0 || slices.Contains(t.allowFrom, userID)
}

func (t *Telegram) typing(chatID int64) {
	_, _ = t.bot.Send(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
}

func (t *Telegram) sendMessage(chatID int64, text string) {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		t.sendChunk(chatID, chunk)
	}
}

// splitMessage cuts text into chunks of at most maxLen bytes, preferring
// newline boundaries and never splitting a UTF-8 sequence.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if idx := strings.LastIndex(text[:cut], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// sendChunk sends a single message chunk with retry and rate limit handling.
// Markdown is tried first; a parse error falls back to plain text.
func (t *Telegram) sendChunk(chatID int64, text string) {
	const maxRetries = telegramMaxSendRetries

	for attempt := 0; attempt <= maxRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}

		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}

		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := 3 * t.backoff(attempt)
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			time.Sleep(retryAfter)
			continue
		}

		if attempt == 0 && msg.ParseMode != "" &&
			strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text",
				"err", err, "parseMode", t.parseMode,
			)
			if _, err2 := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err2 == nil {
				return
			}
		}

		if attempt < maxRetries {
			backoff := t.backoff(attempt)
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}

		t.logger.Error("telegram send failed after retries", "err", err, "attempts", maxRetries+1)
	}
}
