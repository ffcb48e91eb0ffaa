package guardrails

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Limits bounds input and output length in characters.
type Limits struct {
	MaxInputLength  int `yaml:"max_input_length"`
	MinInputLength  int `yaml:"min_input_length"`
	MaxOutputLength int `yaml:"max_output_length"`
}

// Rules is the externally supplied rule table.
type Rules struct {
	ProfanityPatterns []string `yaml:"profanity_patterns"`
	CodePatterns      []string `yaml:"code_patterns"`
	NegativeWords     []string `yaml:"negative_words"`
	SensitiveTopics   []string `yaml:"sensitive_topics"`
	VagueResponses    []string `yaml:"vague_responses"`
	StopWords         []string `yaml:"stop_words"`
	RelevanceCheck    bool     `yaml:"relevance_check"`
	Limits            Limits   `yaml:"limits"`
}

// DefaultRules is used when no rules file is configured.
func DefaultRules() Rules {
	return Rules{
		ProfanityPatterns: []string{"damn", "hell", "shit", "fuck\\w*", "bitch", "bastard", "crap", "asshole"},
		CodePatterns: []string{
			`<script[^>]*>`,
			`javascript:`,
			`\beval\s*\(`,
			`\bexec\s*\(`,
			`__import__`,
			`os\.system`,
			`subprocess\.`,
			`;\s*drop\s+table`,
			`\bunion\s+select\b`,
			`rm\s+-rf`,
		},
		NegativeWords:   []string{"hate", "stupid", "idiot", "terrible", "awful", "useless", "worthless"},
		SensitiveTopics: []string{"suicide", "self-harm", "self harm", "terrorism", "bomb making", "illegal drugs"},
		VagueResponses:  []string{"i don't know", "i dont know", "not sure", "maybe", "no idea", "unclear", "idk"},
		StopWords: []string{
			"a", "an", "the", "is", "are", "was", "were", "be", "to", "of", "and", "or", "in", "on",
			"at", "for", "with", "what", "how", "why", "who", "me", "my", "i", "you", "it", "can", "please",
		},
		Limits: Limits{MaxInputLength: 1000, MinInputLength: 3, MaxOutputLength: 2000},
	}
}

// LoadRules reads a YAML rules file. Keys missing from the file keep the
// values of DefaultRules.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rules); err != nil {
		return Rules{}, fmt.Errorf("decode rules %s: %w", path, err)
	}
	return rules, nil
}
