package llm

import (
	"bytes"
	"os"
	"text/template"

	"github.com/rotisserie/eris"
)

// PromptSource names where a prompt's template text comes from: an inline
// template or a file path, exactly one of the two.
type PromptSource struct {
	Template string
	Path     string
}

func (s PromptSource) load(role string) (string, error) {
	switch {
	case s.Template != "" && s.Path != "":
		return "", &ConfigError{Reason: role + " prompt: both template and path set"}
	case s.Template != "":
		return s.Template, nil
	case s.Path != "":
		raw, err := os.ReadFile(s.Path)
		if err != nil {
			return "", &ConfigError{Reason: role + " prompt: " + err.Error()}
		}
		return string(raw), nil
	default:
		return "", &ConfigError{Reason: role + " prompt: neither template nor path set"}
	}
}

// render loads the prompt text and executes it as a text/template over vars.
func (s PromptSource) render(role string, vars map[string]any) (string, error) {
	text, err := s.load(role)
	if err != nil {
		return "", err
	}

	tmpl, err := template.New(role).Parse(text)
	if err != nil {
		return "", eris.Wrapf(err, "llm: parse %s template", role)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", eris.Wrapf(err, "llm: render %s template", role)
	}
	return buf.String(), nil
}
