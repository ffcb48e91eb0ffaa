package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"robustagent/internal/config"
)

const defaultMaxTokens = 3000

// NewChatModel builds the tool-calling chat model for the configured provider.
// "groq" is an alias for the OpenAI-compatible client with Groq's endpoint.
func NewChatModel(ctx context.Context, cfg config.LLMConfig) (model.ToolCallingChatModel, error) {
	if cfg.Model == "" {
		return nil, errors.New("model is required")
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch strings.ToLower(cfg.Provider) {
	case "openai", "groq":
		baseURL := cfg.BaseURL
		if baseURL == "" && strings.EqualFold(cfg.Provider, "groq") {
			baseURL = "https://api.groq.com/openai/v1"
		}
		temperature := cfg.Temperature
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:     baseURL,
			Model:       cfg.Model,
			APIKey:      cfg.APIKey,
			Temperature: &temperature,
			MaxTokens:   &maxTokens,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: cfg.APIKey,
		})
		if cerr != nil {
			return nil, fmt.Errorf("new gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURL := cfg.BaseURL
			baseURLPtr = &baseURL
		}
		temperature := cfg.Temperature
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			BaseURL:     baseURLPtr,
			MaxTokens:   maxTokens,
			Temperature: &temperature,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", cfg.Provider, err)
	}
	return chatModel, nil
}
