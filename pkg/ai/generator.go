package ai

import (
	"context"
	"fmt"
	"strings"
)

// TextGenerator generates text from a system prompt and user prompt.
// All LLM providers (Gemini, Ollama, OpenAI-compatible) implement this interface.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// JSONGenerator is implemented by providers that can constrain the response
// to a single JSON document.
type JSONGenerator interface {
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// GenerateJSON prefers the provider's JSON mode and falls back to plain text.
func GenerateJSON(ctx context.Context, g TextGenerator, systemPrompt, userPrompt string) (string, error) {
	if jg, ok := g.(JSONGenerator); ok {
		return jg.GenerateJSON(ctx, systemPrompt, userPrompt)
	}
	return g.GenerateText(ctx, systemPrompt, userPrompt)
}

// Provider names.
const (
	ProviderGemini       = "gemini"
	ProviderOllama       = "ollama"
	ProviderOpenAICompat = "openai-compat"
)

// ProviderConfig selects a generation backend.
type ProviderConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
}

// NewGenerator builds a TextGenerator for model on the configured provider.
func NewGenerator(cfg ProviderConfig, model string) (TextGenerator, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, fmt.Errorf("generation model required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderGemini:
		client, err := NewGeminiClient(cfg.APIKey)
		if err != nil {
			return nil, err
		}
		if cfg.BaseURL != "" {
			client.baseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
		return NewGeminiGenerator(client, model), nil
	case ProviderOllama:
		return NewOllamaGenerator(NewOllamaClient(cfg.BaseURL), model), nil
	case ProviderOpenAICompat:
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, fmt.Errorf("openai-compat base url required")
		}
		return NewOpenAICompatGenerator(cfg.BaseURL, cfg.APIKey, model), nil
	default:
		return nil, fmt.Errorf("unknown generation provider: %s", cfg.Provider)
	}
}
