package agent

import (
	"context"
	"fmt"

	"github.com/mlatt/aviary/pkg/tools"
)

// Provider is an LLM API provider
type Provider interface {
	// Complete makes one model call
	Complete(ctx context.Context, request Request) (*Completion, error)

	// Name returns the provider name
	Name() string
}

// Request contains the parameters for one model call
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []tools.Schema
	Temperature  float64
	MaxTokens    int
}

// Completion is the model's reply
type Completion struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// NewProvider creates a provider by name. Model names starting with "claude"
// conventionally go to anthropic, "gpt" to openai; the provider setting wins
// when both are given.
func NewProvider(provider, apiKey string) (Provider, error) {
	switch provider {
	case "anthropic":
		return NewAnthropicProvider(apiKey), nil
	case "openai":
		return NewOpenAIProvider(apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}
