package guardrails

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T, mutate func(*Rules)) *Guard {
	t.Helper()
	rules := DefaultRules()
	if mutate != nil {
		mutate(&rules)
	}
	g, err := New(rules)
	require.NoError(t, err)
	return g
}

func TestValidateInput(t *testing.T) {
	g := newTestGuard(t, func(r *Rules) { r.Limits.MaxInputLength = 20 })

	cases := []struct {
		name   string
		input  string
		ok     bool
		result string
	}{
		{"collapses whitespace", "  what is\tAAPL\nnow ", true, "what is AAPL now"},
		{"too long", strings.Repeat("a", 21), false, "Input too long (max 20 characters). Please shorten your query."},
		{"empty", "   ", false, msgInputTooShort},
		{"too short", " hi ", false, msgInputTooShort},
		{"profanity", "what the hell", false, msgInputProfanity},
		{"code", "<script>x</script>", false, msgInputCode},
		{"profanity needs word boundary", "hello there", true, "hello there"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, result := g.ValidateInput(tc.input)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.result, result)
		})
	}
}

func TestValidateInputCountsCharactersNotBytes(t *testing.T) {
	g := newTestGuard(t, func(r *Rules) { r.Limits.MaxInputLength = 5 })
	ok, result := g.ValidateInput("héllo")
	assert.True(t, ok)
	assert.Equal(t, "héllo", result)
}

func TestValidateInputIsIdempotent(t *testing.T) {
	g := newTestGuard(t, nil)
	inputs := []string{"  tell me   about\n\ngo  ", "price of MSFT?", "a  b  c  d"}
	for _, in := range inputs {
		ok, once := g.ValidateInput(in)
		require.True(t, ok, in)
		ok, twice := g.ValidateInput(once)
		require.True(t, ok)
		assert.Equal(t, once, twice)
	}
}

func TestValidateOutputTruncatesToPrefix(t *testing.T) {
	g := newTestGuard(t, func(r *Rules) { r.Limits.MaxOutputLength = 10 })
	long := "abcdefghijklmnop"
	ok, result := g.ValidateOutput(long, "question")
	assert.False(t, ok)
	assert.Equal(t, 10, utf8.RuneCountInString(result))
	assert.True(t, strings.HasPrefix(long, result))
}

func TestValidateOutputReplacements(t *testing.T) {
	g := newTestGuard(t, nil)
	cases := []struct {
		name     string
		response string
		want     string
	}{
		{"profanity", "That is a damn fine question", MsgOutputProfanity},
		{"negative substring of word", "I HATEFULLY disagree", MsgOutputNegative},
		{"sensitive topic", "Let us talk about Terrorism today", MsgOutputSensitive},
		{"vague exact match", "  I don't know  ", MsgOutputVague},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, result := g.ValidateOutput(tc.response, "input")
			assert.False(t, ok)
			assert.Equal(t, tc.want, result)
		})
	}
}

func TestValidateOutputPassesThrough(t *testing.T) {
	g := newTestGuard(t, nil)
	response := "AAPL is trading at 190.12 USD, maybe higher tomorrow."
	ok, result := g.ValidateOutput(response, "price of AAPL")
	assert.True(t, ok)
	assert.Equal(t, response, result)
}

func TestRelevanceCheckIsOptional(t *testing.T) {
	input := "explain quantum entanglement experiments briefly"
	off := newTestGuard(t, nil)
	ok, _ := off.ValidateOutput("Sure thing.", input)
	assert.True(t, ok)

	on := newTestGuard(t, func(r *Rules) { r.RelevanceCheck = true })
	ok, result := on.ValidateOutput("Sure thing.", input)
	assert.False(t, ok)
	assert.Equal(t, MsgOutputOffTopic, result)

	ok, _ = on.ValidateOutput("quantum states correlate.", input)
	assert.True(t, ok)
}

func TestNewRejectsBadRules(t *testing.T) {
	rules := DefaultRules()
	rules.CodePatterns = []string{"("}
	_, err := New(rules)
	assert.Error(t, err)

	rules = DefaultRules()
	rules.Limits.MaxOutputLength = 0
	_, err = New(rules)
	assert.Error(t, err)
}

func TestLoadRulesMergesWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rai.yaml")
	body := `
profanity_patterns: ["frak"]
limits:
  max_input_length: 50
  min_input_length: 2
  max_output_length: 100
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"frak"}, rules.ProfanityPatterns)
	assert.Equal(t, 50, rules.Limits.MaxInputLength)
	assert.Equal(t, DefaultRules().NegativeWords, rules.NegativeWords)

	g, err := New(rules)
	require.NoError(t, err)
	ok, _ := g.ValidateInput("frak this")
	assert.False(t, ok)
}

func TestLoadRulesErrors(t *testing.T) {
	_, err := LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("unknown_key: 1\n"), 0o600))
	_, err = LoadRules(path)
	assert.Error(t, err)
}

func TestShippedRulesFileLoads(t *testing.T) {
	rules, err := LoadRules(filepath.Join("..", "..", "config", "rai.yaml"))
	require.NoError(t, err)
	_, err = New(rules)
	require.NoError(t, err)
}
