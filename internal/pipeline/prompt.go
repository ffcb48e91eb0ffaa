package pipeline

import (
	"fmt"
	"strings"
	"text/template"

	"robustagent/internal/config"
)

const defaultSystemPrompt = "You are {{.Persona}}. Respond in a {{.Tone}} tone. {{.Instructions}}"

// renderSystemPrompt fills the configured template with persona, tone and
// instructions.
func renderSystemPrompt(p config.PromptsConfig) (string, error) {
	text := p.SystemPrompt
	if strings.TrimSpace(text) == "" {
		text = defaultSystemPrompt
	}
	tmpl, err := template.New("system").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse system prompt: %w", err)
	}
	var b strings.Builder
	err = tmpl.Execute(&b, struct {
		Persona      string
		Tone         string
		Instructions string
	}{p.Persona, p.Tone, p.Instructions})
	if err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}
