package channel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"chessbuddy/internal/domain"
	"chessbuddy/internal/video"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	failures []error // returned in order for MessageConfig sends
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.failures) > 0 {
		err := b.failures[0]
		b.failures = b.failures[1:]
		if err != nil {
			return tgbotapi.Message{}, err
		}
	}
	b.sent = append(b.sent, msg)
	return tgbotapi.Message{}, nil
}

func (b *fakeBot) GetFileDirectURL(string) (string, error) {
	return "", errors.New("no files in tests")
}

func (b *fakeBot) texts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.sent))
	for i, m := range b.sent {
		out[i] = m.Text
	}
	return out
}

func newTestTelegram(svc *fakeAssistant, allow ...string) (*Telegram, *fakeBot) {
	bot := &fakeBot{}
	tg := NewTelegram(svc, TelegramConfig{AllowFrom: allow, Logger: testLogger()})
	tg.bot = bot
	tg.backoff = func(int) time.Duration { return 0 }
	return tg, bot
}

func textUpdate(userID, chatID int64, text string) tgbotapi.Update {
	msg := &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID},
		Chat: &tgbotapi.Chat{ID: chatID},
		Text: text,
	}
	if strings.HasPrefix(text, "/") {
		end := strings.IndexByte(text, ' ')
		if end < 0 {
			end = len(text)
		}
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: end}}
	}
	return tgbotapi.Update{Message: msg}
}

func TestTelegram_AnswersStoryQuestion(t *testing.T) {
	svc := &fakeAssistant{}
	tg, bot := newTestTelegram(svc)

	tg.handleUpdate(context.Background(), textUpdate(1, 10, "who guards the castle?"))

	texts := bot.texts()
	if len(texts) != 1 || texts[0] != "Rook" {
		t.Fatalf("unexpected replies %q", texts)
	}
	if svc.lastReq.Explain || svc.lastReq.Language != domain.English {
		t.Errorf("unexpected request %+v", svc.lastReq)
	}
}

func TestTelegram_LanguageIsPerChat(t *testing.T) {
	svc := &fakeAssistant{}
	tg, _ := newTestTelegram(svc)
	ctx := context.Background()

	tg.handleUpdate(ctx, textUpdate(1, 10, "/lang hi"))
	tg.handleUpdate(ctx, textUpdate(1, 10, "/why kaun?"))
	if svc.lastReq.Language != domain.Hindi || !svc.lastReq.Explain || svc.lastReq.Question != "kaun?" {
		t.Errorf("expected Hindi explain request, got %+v", svc.lastReq)
	}

	tg.handleUpdate(ctx, textUpdate(2, 20, "who?"))
	if svc.lastReq.Language != domain.English {
		t.Errorf("other chat should keep default language, got %q", svc.lastReq.Language)
	}
}

func TestTelegram_LangRejectsUnknown(t *testing.T) {
	tg, bot := newTestTelegram(&fakeAssistant{})
	tg.handleUpdate(context.Background(), textUpdate(1, 10, "/lang fr"))
	if texts := bot.texts(); len(texts) != 1 || !strings.HasPrefix(texts[0], "Usage") {
		t.Errorf("expected usage reply, got %q", texts)
	}
}

func TestTelegram_VideoFlow(t *testing.T) {
	svc := &fakeAssistant{}
	tg, bot := newTestTelegram(svc)
	ctx := context.Background()

	tg.handleUpdate(ctx, textUpdate(1, 10, "/vq what is a fork?"))
	if texts := bot.texts(); !strings.Contains(texts[0], "/video") {
		t.Errorf("expected no active video hint, got %q", texts[0])
	}

	tg.handleUpdate(ctx, textUpdate(1, 10, "/video https://youtu.be/fork"))
	svc.videos = map[string]string{tg.state(10).videoID: "fork talk"}
	tg.handleUpdate(ctx, textUpdate(1, 10, "/vq what is a fork?"))

	texts := bot.texts()
	if !strings.Contains(texts[1], "Forks") {
		t.Errorf("expected video title, got %q", texts[1])
	}
	if texts[2] != "A fork attacks two pieces" {
		t.Errorf("unexpected video answer %q", texts[2])
	}
}

func TestTelegram_Unauthorized(t *testing.T) {
	svc := &fakeAssistant{}
	tg, bot := newTestTelegram(svc, "42")

	tg.handleUpdate(context.Background(), textUpdate(7, 10, "who?"))

	texts := bot.texts()
	if len(texts) != 1 || !strings.Contains(texts[0], "Unauthorized") {
		t.Errorf("expected unauthorized reply, got %q", texts)
	}
	if svc.lastReq.Question != "" {
		t.Error("unauthorized user should not reach the assistant")
	}
}

func TestTelegram_MarkdownFallback(t *testing.T) {
	tg, bot := newTestTelegram(&fakeAssistant{})
	bot.failures = []error{errors.New("Bad Request: can't parse entities")}

	tg.sendMessage(10, "a *broken [link")

	if len(bot.sent) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(bot.sent))
	}
	if bot.sent[0].ParseMode != "" {
		t.Errorf("fallback should be plain text, got %q", bot.sent[0].ParseMode)
	}
}

func TestSplitMessage(t *testing.T) {
	if chunks := splitMessage("short", 100); len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}

	hindi := strings.Repeat("शतरंज ", 50)
	chunks := splitMessage(hindi, 64)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	if strings.Join(chunks, "") != hindi {
		t.Error("chunks should reassemble the original text")
	}
	for i, c := range chunks {
		if len(c) > 64 {
			t.Errorf("chunk %d too long: %d", i, len(c))
		}
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d splits a rune", i)
		}
	}
}

func TestJoinNonEmpty(t *testing.T) {
	if got := joinNonEmpty("Rook", "", "Rook", " The rook guards. "); got != "Rook\n\nThe rook guards." {
		t.Errorf("unexpected join %q", got)
	}
}

func TestTelegram_WhyShowsStoryLine(t *testing.T) {
	tg, bot := newTestTelegram(&fakeAssistant{})
	tg.handleUpdate(context.Background(), textUpdate(1, 10, "/why who guards the castle?"))

	texts := bot.texts()
	if len(texts) != 1 {
		t.Fatalf("expected one reply, got %q", texts)
	}
	want := "Rook\n\nHere's what I found:\n“The castle guard stands in the corner.”"
	if texts[0] != want {
		t.Errorf("got %q, want %q", texts[0], want)
	}
}

func TestTelegram_VideoErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			"transcription",
			&video.TranscribeError{Err: errors.New("401 Invalid API Key gsk_live_SECRET")},
			"Could not transcribe the video. Please try again.",
		},
		{
			"download",
			&video.DownloadError{Message: "\x1b[31mHTTP Error 403\x1b[0m"},
			"Could not download the video. Please check the link and try again.\ndownload failed: HTTP Error 403",
		},
		{
			"other",
			errors.New("disk full at /var/tmp"),
			"Something went wrong. Please try again.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg, bot := newTestTelegram(&fakeAssistant{processErr: tt.err})
			tg.handleUpdate(context.Background(), textUpdate(1, 10, "/video https://youtu.be/x"))
			texts := bot.texts()
			if len(texts) != 1 || texts[0] != tt.want {
				t.Errorf("got %q, want %q", texts, tt.want)
			}
			if tg.state(10).videoID != "" {
				t.Error("failed video must not become active")
			}
		})
	}
}

func TestTelegram_ConcurrentChatUpdatesKeepBothFields(t *testing.T) {
	for i := 0; i < 50; i++ {
		tg, _ := newTestTelegram(&fakeAssistant{})
		ctx := context.Background()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			tg.handleUpdate(ctx, textUpdate(1, 10, "/lang hi"))
		}()
		go func() {
			defer wg.Done()
			tg.handleUpdate(ctx, textUpdate(1, 10, "/video https://youtu.be/fork"))
		}()
		wg.Wait()

		s := tg.state(10)
		if s.language != domain.Hindi || s.videoID == "" {
			t.Fatalf("lost a chat update: %+v", s)
		}
	}
}
