// Package llm builds the chat model used by the main graph from config.
package llm

import (
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/smallnest/chatgraph/config"
	"github.com/smallnest/chatgraph/llms/openaicompat"
)

// New returns a model for cfg. It fails with a *config.MissingError naming
// the first required variable that is not set.
func New(cfg config.LLM) (llms.Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case config.ProviderOpenAI:
		m, err := openaicompat.New(
			openaicompat.WithToken(cfg.APIKey),
			openaicompat.WithBaseURL(cfg.BaseURL),
			openaicompat.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai client: %w", err)
		}
		return m, nil
	default:
		m, err := openai.New(
			openai.WithToken(cfg.APIKey),
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create langchain client: %w", err)
		}
		return m, nil
	}
}

// CallOptions returns the per-call options implied by cfg.
func CallOptions(cfg config.LLM) []llms.CallOption {
	return []llms.CallOption{llms.WithTemperature(cfg.Temperature)}
}
