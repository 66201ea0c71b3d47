package grounded

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// answerTrim is stripped from both ends of a proposed answer before matching.
const answerTrim = " \t\r\n\"'“”‘’`.,;:!?।()[]*"

// CleanAnswer trims quotes, punctuation and markdown emphasis around a model
// answer and keeps only its first line.
func CleanAnswer(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return strings.Trim(s, answerTrim)
}

// Verify reports whether answer occurs as a whole word or phrase in at least
// one passage. Matching is case-insensitive and Unicode aware: a match must
// not be glued to a letter, digit or combining mark on either side, so "K"
// matches "mujhe K bulate" but not "King". An answer with no letter or digit
// never verifies.
func Verify(answer string, passages []string) bool {
	token := matchToken(answer)
	if token == "" {
		return false
	}
	for _, p := range passages {
		if containsWord(strings.ToLower(p), token) {
			return true
		}
	}
	return false
}

// EvidenceSentence returns the first sentence among passages that attests
// answer, or "" when none does.
func EvidenceSentence(answer string, passages []string) string {
	token := matchToken(answer)
	if token == "" {
		return ""
	}
	for _, p := range passages {
		for _, s := range sentences(p) {
			if containsWord(strings.ToLower(s), token) {
				return s
			}
		}
	}
	return ""
}

// matchToken returns the lowercased cleaned answer, or "" when it holds no
// letter or digit.
func matchToken(answer string) string {
	token := strings.ToLower(CleanAnswer(answer))
	if strings.IndexFunc(token, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) < 0 {
		return ""
	}
	return token
}

// attested reports whether proof is copied from one of the passages,
// ignoring case and surrounding quotes.
func attested(proof string, passages []string) bool {
	proof = strings.ToLower(strings.Trim(proof, answerTrim))
	if proof == "" {
		return false
	}
	for _, p := range passages {
		if strings.Contains(strings.ToLower(p), proof) {
			return true
		}
	}
	return false
}

func containsWord(text, token string) bool {
	first, _ := utf8.DecodeRuneInString(token)
	last, _ := utf8.DecodeLastRuneInString(token)
	from := 0
	for from <= len(text)-len(token) {
		i := strings.Index(text[from:], token)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(token)
		if boundaryBefore(text, start, first) && boundaryAfter(text, end, last) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		from = start + size
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r) || r == '_'
}

// boundaryBefore holds when the token does not start mid-word. A token that
// itself starts with punctuation needs no boundary.
func boundaryBefore(text string, start int, first rune) bool {
	if !isWordRune(first) || start == 0 {
		return true
	}
	prev, _ := utf8.DecodeLastRuneInString(text[:start])
	return !isWordRune(prev)
}

func boundaryAfter(text string, end int, last rune) bool {
	if !isWordRune(last) || end == len(text) {
		return true
	}
	next, _ := utf8.DecodeRuneInString(text[end:])
	return !isWordRune(next)
}

// sentences splits text after '.', '!', '?', '।' and newlines.
func sentences(text string) []string {
	var out []string
	var sb strings.Builder
	flush := func() {
		if s := strings.TrimSpace(sb.String()); s != "" {
			out = append(out, s)
		}
		sb.Reset()
	}
	for _, r := range text {
		if r == '\n' {
			flush()
			continue
		}
		sb.WriteRune(r)
		switch r {
		case '.', '!', '?', '।':
			flush()
		}
	}
	flush()
	return out
}
