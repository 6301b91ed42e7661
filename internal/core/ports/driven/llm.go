package driven

import (
	"context"
)

// LLMRequest is a single prompt-in, text-out invocation.
type LLMRequest struct {
	// Model overrides the service's default model when set
	Model string

	// System is an optional system instruction
	System string

	// Prompt is the user prompt
	Prompt string

	// MaxTokens bounds the response length (0 = provider default)
	MaxTokens int

	// Temperature controls sampling (0 = provider default)
	Temperature float64

	// JSONMode asks the provider for a JSON response where supported
	JSONMode bool
}

// LLMService provides large language model inference.
// Implementations do not retry; retry policy belongs to the caller.
// Throttling must surface as domain.ErrThrottled (possibly wrapped).
type LLMService interface {
	// Invoke sends the prompt and returns the model's text
	Invoke(ctx context.Context, req LLMRequest) (string, error)

	// Model returns the default model name
	Model() string

	// Ping verifies the LLM service is available
	Ping(ctx context.Context) error

	// Close releases resources held by the LLM service
	Close() error
}
