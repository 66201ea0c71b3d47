package lang

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"chessbuddy/internal/domain"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

type localized map[domain.Language]string

// Catalog holds localized messages and prompt templates.
type Catalog struct {
	Messages            map[string]localized `yaml:"messages"`
	System              localized            `yaml:"system"`
	ExplanationTemplate localized            `yaml:"explanation_template"`
	VideoAnswer         localized            `yaml:"video_answer"`
	Explain             map[string]localized `yaml:"explain"`

	templates map[string]*template.Template
}

// ExplanationData fills the grounded explanation template.
type ExplanationData struct {
	Proof  string
	Answer string
}

// VideoAnswerData fills the video answer prompt.
type VideoAnswerData struct {
	Transcript string
	Question   string
}

// ExplainData fills the video explain prompts.
type ExplainData struct {
	Topic string
}

// Explain modes.
const (
	ExplainWhat = "what"
	ExplainWhy  = "why"
	ExplainFull = "full"
)

// DefaultCatalog parses the built-in catalog. It panics on a malformed
// embedded file since that can only be a build defect.
func DefaultCatalog() *Catalog {
	c, err := parseCatalog(embeddedCatalog)
	if err != nil {
		panic(fmt.Sprintf("lang: embedded catalog: %v", err))
	}
	return c
}

// LoadCatalog reads an override file and layers it over the built-in catalog.
// Entries missing from the file keep their built-in text.
func LoadCatalog(path string) (*Catalog, error) {
	base := DefaultCatalog()
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	override, err := parseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	base.merge(override)
	if err := base.compile(); err != nil {
		return nil, err
	}
	return base, nil
}

func parseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if err := c.compile(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) merge(o *Catalog) {
	if c.Messages == nil {
		c.Messages = map[string]localized{}
	}
	for key, texts := range o.Messages {
		if c.Messages[key] == nil {
			c.Messages[key] = localized{}
		}
		for l, s := range texts {
			c.Messages[key][l] = s
		}
	}
	mergeLocalized(&c.System, o.System)
	mergeLocalized(&c.ExplanationTemplate, o.ExplanationTemplate)
	mergeLocalized(&c.VideoAnswer, o.VideoAnswer)
	if c.Explain == nil {
		c.Explain = map[string]localized{}
	}
	for mode, texts := range o.Explain {
		m := c.Explain[mode]
		mergeLocalized(&m, texts)
		c.Explain[mode] = m
	}
}

func mergeLocalized(dst *localized, src localized) {
	if *dst == nil {
		*dst = localized{}
	}
	for l, s := range src {
		(*dst)[l] = s
	}
}

func (c *Catalog) compile() error {
	c.templates = make(map[string]*template.Template)
	add := func(name string, texts localized) error {
		for l, s := range texts {
			key := name + "/" + string(l)
			t, err := template.New(key).Option("missingkey=error").Parse(s)
			if err != nil {
				return fmt.Errorf("template %s: %w", key, err)
			}
			c.templates[key] = t
		}
		return nil
	}
	if err := add("explanation", c.ExplanationTemplate); err != nil {
		return err
	}
	if err := add("video_answer", c.VideoAnswer); err != nil {
		return err
	}
	for mode, texts := range c.Explain {
		if err := add("explain_"+mode, texts); err != nil {
			return err
		}
	}
	return nil
}

// pick returns the text for l, falling back to Hinglish and then English.
func pick(texts localized, l domain.Language) (string, bool) {
	for _, candidate := range []domain.Language{l, Default, domain.English} {
		if s, ok := texts[candidate]; ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// Message returns a localized message. Unknown keys fall back to general_error.
func (c *Catalog) Message(key string, l domain.Language) string {
	if s, ok := pick(c.Messages[key], l); ok {
		return s
	}
	if s, ok := pick(c.Messages["general_error"], l); ok {
		return s
	}
	return "Something went wrong. Please try again."
}

// SystemPrompt returns the tutor persona for l.
func (c *Catalog) SystemPrompt(l domain.Language) string {
	s, _ := pick(c.System, l)
	return s
}

// Explanation renders the "remember when the story said" explanation.
func (c *Catalog) Explanation(l domain.Language, proof, answer string) string {
	return c.render("explanation", l, ExplanationData{Proof: proof, Answer: answer})
}

// VideoAnswerPrompt renders the per-language video question prompt.
func (c *Catalog) VideoAnswerPrompt(l domain.Language, transcript, question string) string {
	return c.render("video_answer", l, VideoAnswerData{Transcript: transcript, Question: question})
}

// ExplainPrompt renders the what/why/full prompt. Unknown modes use full.
func (c *Catalog) ExplainPrompt(mode string, l domain.Language, topic string) string {
	if _, ok := c.Explain[mode]; !ok {
		mode = ExplainFull
	}
	return c.render("explain_"+mode, l, ExplainData{Topic: topic})
}

func (c *Catalog) render(name string, l domain.Language, data any) string {
	for _, candidate := range []domain.Language{l, Default, domain.English} {
		t, ok := c.templates[name+"/"+string(candidate)]
		if !ok {
			continue
		}
		var sb strings.Builder
		if err := t.Execute(&sb, data); err == nil {
			return sb.String()
		}
	}
	return ""
}
