package lang

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chessbuddy/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	assert.Equal(t, domain.English, Validate("en"))
	assert.Equal(t, domain.Hindi, Validate(" HI "))
	assert.Equal(t, domain.Hinglish, Validate("hinglish"))
	assert.Equal(t, Default, Validate("fr"))
	assert.Equal(t, Default, Validate(""))
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		text string
		want domain.Language
	}{
		{"english", "How does the king move?", domain.English},
		{"hindi", "राजा कैसे चलता है", domain.Hindi},
		{"mixed", "king kaise चलता है", domain.Hinglish},
		{"roman hinglish reads as english", "king kaise chalta hai", domain.English},
		{"no letters", "123 ?!", Default},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.text))
		})
	}
}

func TestDefaultCatalog_HasEveryLanguageForCoreMessages(t *testing.T) {
	c := DefaultCatalog()
	for _, key := range []string{"not_found", "unverified", "answer_error", "groq_not_configured", "video_not_found", "video_error", "video_default_answer"} {
		for _, l := range Supported {
			assert.NotEmpty(t, c.Messages[key][l], "%s/%s", key, l)
		}
	}
}

func TestCatalog_MessageFallbacks(t *testing.T) {
	c := DefaultCatalog()
	assert.Equal(t, "Iska clear mention story mein nahi mila 📘", c.Message("not_found", domain.Hinglish))
	assert.Equal(t, c.Message("not_found", domain.Hinglish), c.Message("not_found", domain.Language("fr")))
	assert.Equal(t, c.Message("general_error", domain.English), c.Message("no_such_key", domain.English))
}

func TestCatalog_Explanation(t *testing.T) {
	c := DefaultCatalog()
	got := c.Explanation(domain.Hinglish, `"Sab mujhe K bulate hain"`, "King")
	assert.True(t, strings.HasPrefix(got, "Yaad hai jab story mein kaha gaya:\n\"Sab mujhe K bulate hain\""), got)
	assert.True(t, strings.HasSuffix(got, "Isliye is sawal ka jawab King hai"), got)
}

func TestCatalog_PromptsCarryData(t *testing.T) {
	c := DefaultCatalog()

	p := c.VideoAnswerPrompt(domain.English, "the knight forks the king", "what is a fork?")
	assert.Contains(t, p, "the knight forks the king")
	assert.Contains(t, p, "what is a fork?")
	assert.Contains(t, p, "ANSWER:")

	why := c.ExplainPrompt(ExplainWhy, domain.Hinglish, "castling")
	assert.Contains(t, why, "YEH KYUN hua:\ncastling")

	fallback := c.ExplainPrompt("bogus", domain.English, "pins")
	assert.Contains(t, fallback, "complete explanation about:\npins")
}

func TestCatalog_TemplateSyntaxInDataIsLiteral(t *testing.T) {
	c := DefaultCatalog()
	got := c.Explanation(domain.English, "{{.Answer}}", "Rook")
	assert.Contains(t, got, "{{.Answer}}")
}

func TestLoadCatalog_OverridesSingleEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := "messages:\n  not_found:\n    en: \"Not in my stories yet!\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, "Not in my stories yet!", c.Message("not_found", domain.English))
	assert.Equal(t, "Iska clear mention story mein nahi mila 📘", c.Message("not_found", domain.Hinglish))
	assert.NotEmpty(t, c.Explanation(domain.English, "p", "a"))
}

func TestLoadCatalog_RejectsBadTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := "explanation_template:\n  en: \"{{.Proof\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := LoadCatalog(path)
	assert.Error(t, err)
}
