package domain

import (
	"context"
	"io"
	"time"
)

// VideoRecord is a processed video with its transcript.
type VideoRecord struct {
	VideoID          string    `json:"video_id"`
	SourceID         string    `json:"source_id,omitempty"`
	Title            string    `json:"title,omitempty"`
	URL              string    `json:"url"`
	Transcript       string    `json:"transcript"`
	DetectedLanguage string    `json:"detected_language"`
	Duration         float64   `json:"duration,omitempty"`
	Cached           bool      `json:"cached"`
	ProcessedAt      time.Time `json:"processed_at"`
}

// Media is a downloaded audio file plus what the downloader learned about it.
type Media struct {
	Path     string
	SourceID string
	Title    string
	Duration float64
}

// Transcript is the output of a speech-to-text pass.
type Transcript struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration,omitempty"`
}

// VideoAnswer answers a question about one video transcript.
type VideoAnswer struct {
	Answer      string   `json:"answer"`
	Explanation string   `json:"explanation"`
	Language    Language `json:"language"`
	Status      string   `json:"status"`
}

// Explanation is a topic explanation drawn from a transcript.
type Explanation struct {
	Explanation string   `json:"explanation"`
	KeyPoints   []string `json:"key_points"`
	Language    Language `json:"language"`
	Mode        string   `json:"mode"`
	Status      string   `json:"status"`
}

// Concept is a chess idea mentioned in a video.
type Concept struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Downloader fetches the audio track of a video URL into a local file.
type Downloader interface {
	Fetch(ctx context.Context, url string) (*Media, error)
}

// Transcriber converts an audio file to text. An empty languageHint means auto-detect.
type Transcriber interface {
	Transcribe(ctx context.Context, path, languageHint string) (*Transcript, error)
}

// Synthesizer renders text to speech audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (io.ReadCloser, error)
}
