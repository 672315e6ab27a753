package llm

import (
	_ "embed"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Prompts holds the system instruction for each model role.
type Prompts struct {
	Persona    string `yaml:"persona"`
	Summarizer string `yaml:"summarizer"`
	Classifier string `yaml:"classifier"`
	Emotion    string `yaml:"emotion"`
}

// LoadPrompts parses a prompts document; an empty document yields the built-in prompts.
func LoadPrompts(data []byte) (Prompts, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		data = defaultPrompts
	}
	var p Prompts
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Prompts{}, errors.Wrap(err, "parse prompts")
	}
	for name, v := range map[string]string{
		"persona":    p.Persona,
		"summarizer": p.Summarizer,
		"classifier": p.Classifier,
		"emotion":    p.Emotion,
	} {
		if strings.TrimSpace(v) == "" {
			return Prompts{}, errors.Errorf("prompt %q is empty", name)
		}
	}
	if !strings.Contains(p.Emotion, "{{TEXT}}") {
		return Prompts{}, errors.New(`emotion prompt must contain {{TEXT}}`)
	}
	return p, nil
}

// DefaultPrompts returns the built-in prompts.
func DefaultPrompts() Prompts {
	p, err := LoadPrompts(defaultPrompts)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Prompts) emotionPrompt(text string) string {
	return strings.ReplaceAll(p.Emotion, "{{TEXT}}", text)
}
