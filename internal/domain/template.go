package domain

import (
	"fmt"
	"strings"
)

// Template is a named, versioned rendering unit.
type Template struct {
	ID       string            `yaml:"id"`
	Channel  Channel           `yaml:"channel"`
	Locale   string            `yaml:"locale"`
	Role     string            `yaml:"role"`
	Version  int               `yaml:"version"`
	Subject  string            `yaml:"subject"`
	Body     string            `yaml:"body"`
	Required []string          `yaml:"required"`
	Optional []string          `yaml:"optional"`
	Defaults map[string]string `yaml:"defaults"`
}

// VariantKey identifies a template variant inside the registry.
func (t Template) VariantKey() string {
	return TemplateKey(t.ID, t.Locale, t.Role)
}

func TemplateKey(id, locale, role string) string {
	return strings.Join([]string{
		strings.TrimSpace(id),
		strings.ToLower(strings.TrimSpace(locale)),
		strings.ToLower(strings.TrimSpace(role)),
	}, "|")
}

func (t Template) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: template id is required", ErrValidation)
	}
	if !t.Channel.IsValid() {
		return fmt.Errorf("%w: template %q has invalid channel %q", ErrValidation, t.ID, t.Channel)
	}
	if strings.TrimSpace(t.Body) == "" {
		return fmt.Errorf("%w: template %q has empty body", ErrValidation, t.ID)
	}
	return nil
}

// RenderedContent is the channel-optimized output of a template render.
type RenderedContent struct {
	TemplateID     string  `json:"templateId"`
	Channel        Channel `json:"channel"`
	Subject        string  `json:"subject,omitempty"`
	Text           string  `json:"text"`
	Truncated      bool    `json:"truncated"`
	OriginalLength int     `json:"originalLength"`
	SMSCount       int     `json:"smsCount"`

	// Raw is the rendered text before channel optimization.
	Raw string `json:"-"`
}
