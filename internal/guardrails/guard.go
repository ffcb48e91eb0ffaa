package guardrails

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	msgInputTooShort   = "Input is empty or too short. Please provide a meaningful query."
	msgInputProfanity  = "Input contains inappropriate language. Please rephrase."
	msgInputCode       = "Input contains potentially harmful code. Please use plain text."
	MsgOutputProfanity = "Response contains inappropriate language. Rephrasing: Let's keep it friendly!"
	MsgOutputNegative  = "Response contains negative tone. Rephrasing: Here's a positive take!"
	MsgOutputSensitive = "Response touches on sensitive topics. Let's discuss something else."
	MsgOutputOffTopic  = "Response seems off-topic. Could you clarify your query?"
	MsgOutputVague     = "I need more context to answer clearly. Could you provide more details?"
)

const (
	relevanceShortOutput = 50
	relevanceMinKeywords = 2
)

// Guard evaluates the rule table. It is immutable after construction and
// safe for concurrent use.
type Guard struct {
	rules     Rules
	profanity *regexp.Regexp
	code      *regexp.Regexp
	stopWords map[string]struct{}
	vague     map[string]struct{}
}

// New compiles the rule patterns once.
func New(rules Rules) (*Guard, error) {
	if rules.Limits.MaxInputLength <= 0 || rules.Limits.MaxOutputLength <= 0 {
		return nil, errors.New("max input and output lengths must be positive")
	}
	if rules.Limits.MinInputLength > rules.Limits.MaxInputLength {
		return nil, fmt.Errorf("min input length %d exceeds max %d", rules.Limits.MinInputLength, rules.Limits.MaxInputLength)
	}
	g := &Guard{
		rules:     rules,
		stopWords: toSet(rules.StopWords),
		vague:     toSet(rules.VagueResponses),
	}
	var err error
	if len(rules.ProfanityPatterns) > 0 {
		g.profanity, err = regexp.Compile(`(?i)\b(` + strings.Join(rules.ProfanityPatterns, "|") + `)\b`)
		if err != nil {
			return nil, fmt.Errorf("compile profanity patterns: %w", err)
		}
	}
	if len(rules.CodePatterns) > 0 {
		g.code, err = regexp.Compile(`(?i)(` + strings.Join(rules.CodePatterns, "|") + `)`)
		if err != nil {
			return nil, fmt.Errorf("compile code patterns: %w", err)
		}
	}
	return g, nil
}

// ValidateInput checks user text. On success the second value is the text
// with whitespace runs collapsed; otherwise it is the rejection reason.
func (g *Guard) ValidateInput(text string) (bool, string) {
	limits := g.rules.Limits
	if utf8.RuneCountInString(text) > limits.MaxInputLength {
		return false, fmt.Sprintf("Input too long (max %d characters). Please shorten your query.", limits.MaxInputLength)
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || utf8.RuneCountInString(trimmed) < limits.MinInputLength {
		return false, msgInputTooShort
	}
	if g.profanity != nil && g.profanity.MatchString(text) {
		return false, msgInputProfanity
	}
	if g.code != nil && g.code.MatchString(text) {
		return false, msgInputCode
	}
	return true, strings.Join(strings.Fields(trimmed), " ")
}

// ValidateOutput checks a model reply against the sanitized input. On
// failure the second value is what should be shown instead: the reply cut
// to the maximum length, or a fixed replacement message.
func (g *Guard) ValidateOutput(response, input string) (bool, string) {
	if limit := g.rules.Limits.MaxOutputLength; utf8.RuneCountInString(response) > limit {
		return false, string([]rune(response)[:limit])
	}
	if g.profanity != nil && g.profanity.MatchString(response) {
		return false, MsgOutputProfanity
	}
	lower := strings.ToLower(response)
	if g.hasNegativeWord(lower) {
		return false, MsgOutputNegative
	}
	for _, topic := range g.rules.SensitiveTopics {
		if topic != "" && strings.Contains(lower, strings.ToLower(topic)) {
			return false, MsgOutputSensitive
		}
	}
	if g.rules.RelevanceCheck && g.offTopic(lower, input) {
		return false, MsgOutputOffTopic
	}
	if _, ok := g.vague[strings.TrimSpace(lower)]; ok {
		return false, MsgOutputVague
	}
	return true, response
}

func (g *Guard) hasNegativeWord(lower string) bool {
	for _, word := range strings.Fields(lower) {
		for _, neg := range g.rules.NegativeWords {
			if neg != "" && strings.Contains(word, strings.ToLower(neg)) {
				return true
			}
		}
	}
	return false
}

// offTopic flags a short reply sharing no keyword with a substantive input.
func (g *Guard) offTopic(lowerResponse, input string) bool {
	if len(lowerResponse) >= relevanceShortOutput {
		return false
	}
	keywords := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(input)) {
		if _, stop := g.stopWords[w]; !stop {
			keywords[w] = struct{}{}
		}
	}
	if len(keywords) <= relevanceMinKeywords {
		return false
	}
	for _, w := range strings.Fields(lowerResponse) {
		if _, ok := keywords[w]; ok {
			return false
		}
	}
	return true
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[strings.ToLower(strings.TrimSpace(item))] = struct{}{}
	}
	return set
}
