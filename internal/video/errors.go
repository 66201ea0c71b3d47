package video

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode"

	"chessbuddy/internal/domain"
)

var (
	// ErrEmptyTranscript means the transcriber heard nothing usable.
	ErrEmptyTranscript = errors.New("transcript is empty")
	// ErrVideoNotFound is returned for an unknown video id.
	ErrVideoNotFound = errors.New("video not found")
)

// Attempt records one failed download strategy.
type Attempt struct {
	Strategy string `json:"strategy"`
	Err      string `json:"error"`
}

// DownloadError is returned when every download strategy failed. Message is
// the last attempt's error with terminal escapes removed.
type DownloadError struct {
	URL      string
	Attempts []Attempt
	Message  string
}

func (e *DownloadError) Error() string {
	return "download failed: " + e.Message
}

// TranscribeError wraps a speech-to-text failure.
type TranscribeError struct {
	Err error
}

func (e *TranscribeError) Error() string {
	return "transcription failed: " + e.Err.Error()
}

func (e *TranscribeError) Unwrap() error { return e.Err }

// UserMessage maps a processing error to text that is safe to return to a
// client. The raw error belongs in the log only.
func UserMessage(err error) string {
	var dlErr *DownloadError
	var trErr *TranscribeError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &dlErr):
		return "download failed: " + sanitize(dlErr.Message)
	case errors.As(err, &trErr):
		return "transcription failed"
	case errors.Is(err, ErrVideoNotFound):
		return "video not found"
	case errors.Is(err, domain.ErrNotConfigured):
		return "service not configured"
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal error"
	}
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// sanitize strips ANSI escape sequences and control characters and folds
// the remaining whitespace so the text is safe to show a user.
func sanitize(s string) string {
	s = ansiEscape.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
