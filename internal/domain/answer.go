package domain

import "errors"

// ErrNotConfigured is returned by components whose credentials or model are missing.
var ErrNotConfigured = errors.New("not configured")

// Language is one of the three supported reply languages.
type Language string

const (
	English  Language = "en"
	Hindi    Language = "hi"
	Hinglish Language = "hinglish"
)

// Outcome classifies how a grounded answer was produced.
type Outcome string

const (
	OutcomeVerified      Outcome = "verified"
	OutcomeNoEvidence    Outcome = "no_evidence"
	OutcomeUnverified    Outcome = "unverified"
	OutcomeError         Outcome = "error"
	OutcomeNotConfigured Outcome = "not_configured"
)

const (
	AnswerUnknown = "Unknown"
	AnswerError   = "Error"
)

// AnswerMode selects the grounded answering strategy.
type AnswerMode string

const (
	ModeClassify AnswerMode = "classify"
	ModeOneWord  AnswerMode = "one_word"
)

// GroundedAnswer is the result of answering a question against the story corpus.
// Answer is Unknown, Error, or a string attested in at least one retrieved passage.
type GroundedAnswer struct {
	Answer      string   `json:"answer"`
	Explanation string   `json:"explanation"`
	Proof       string   `json:"proof,omitempty"`
	Language    Language `json:"language"`
	Outcome     Outcome  `json:"outcome"`
	Cause       error    `json:"-"`

	// Query is the normalized question used for retrieval and Evidence the
	// number of passages it found.
	Query    string `json:"-"`
	Evidence int    `json:"-"`
}
