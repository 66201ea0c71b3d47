// Package lang holds the supported reply languages, a script-based language
// detector and the localized message and prompt catalog.
package lang

import (
	"strings"
	"unicode"

	"chessbuddy/internal/domain"
)

// Default is used when a language is missing or unsupported.
const Default = domain.Hinglish

// Supported lists the reply languages in display order.
var Supported = []domain.Language{domain.English, domain.Hindi, domain.Hinglish}

// Names maps each language to a human-readable label.
var Names = map[domain.Language]string{
	domain.English:  "English",
	domain.Hindi:    "हिंदी (Hindi)",
	domain.Hinglish: "Hinglish",
}

// Validate returns s as a Language when supported and Default otherwise.
func Validate(s string) domain.Language {
	switch l := domain.Language(strings.ToLower(strings.TrimSpace(s))); l {
	case domain.English, domain.Hindi, domain.Hinglish:
		return l
	default:
		return Default
	}
}

// IsSupported reports whether s names a supported language exactly.
func IsSupported(s string) bool {
	switch domain.Language(s) {
	case domain.English, domain.Hindi, domain.Hinglish:
		return true
	}
	return false
}

// Detect guesses the language of text from the share of Devanagari letters
// among Devanagari and ASCII letters. More than 70% is Hindi, more than 20%
// is Hinglish, anything else is English. Text without letters gets Default.
func Detect(text string) domain.Language {
	var hindi, english int
	for _, r := range text {
		switch {
		case r >= 0x0900 && r <= 0x097F:
			hindi++
		case r < unicode.MaxASCII && unicode.IsLetter(r):
			english++
		}
	}
	total := hindi + english
	if total == 0 {
		return Default
	}
	ratio := float64(hindi) / float64(total)
	switch {
	case ratio > 0.7:
		return domain.Hindi
	case ratio > 0.2:
		return domain.Hinglish
	default:
		return domain.English
	}
}
