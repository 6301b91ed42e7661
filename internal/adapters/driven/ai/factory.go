package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

// Provider names an AI backend.
type Provider string

const (
	ProviderGemini    Provider = "gemini"
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
	ProviderOpenAI    Provider = "openai"
)

// LLMSettings selects and configures one LLM backend.
type LLMSettings struct {
	Provider Provider
	APIKey   string
	Model    string
	BaseURL  string
	Timeout  time.Duration

	// RequestsPerMinute limits call rate (0 = unlimited)
	RequestsPerMinute int
}

// IsConfigured reports whether a provider was chosen.
func (s *LLMSettings) IsConfigured() bool {
	return s != nil && s.Provider != ""
}

// EmbeddingSettings selects and configures one embedding backend.
type EmbeddingSettings struct {
	Provider   Provider
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int
	Timeout    time.Duration
}

// IsConfigured reports whether a provider was chosen.
func (s *EmbeddingSettings) IsConfigured() bool {
	return s != nil && s.Provider != ""
}

// Factory creates AI services based on configuration
type Factory struct{}

// NewFactory creates a new AI service factory
func NewFactory() *Factory {
	return &Factory{}
}

// CreateLLMService creates an LLM service from settings.
// Returns nil, nil when no provider is configured.
func (f *Factory) CreateLLMService(ctx context.Context, settings *LLMSettings) (driven.LLMService, error) {
	if !settings.IsConfigured() {
		return nil, nil
	}

	var (
		llm driven.LLMService
		err error
	)
	switch Provider(strings.ToLower(string(settings.Provider))) {
	case ProviderGemini:
		llm, err = NewGeminiLLM(ctx, GeminiConfig{
			APIKey:  settings.APIKey,
			Model:   settings.Model,
			BaseURL: settings.BaseURL,
			Timeout: settings.Timeout,
		})
	case ProviderAnthropic:
		llm, err = NewAnthropicLLM(AnthropicConfig{
			APIKey:  settings.APIKey,
			Model:   settings.Model,
			BaseURL: settings.BaseURL,
			Timeout: settings.Timeout,
		})
	case ProviderOllama:
		llm = NewOllamaLLM(settings.BaseURL, settings.Model, settings.Timeout)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidProvider, settings.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewRateLimitedLLM(llm, settings.RequestsPerMinute), nil
}

// CreateEmbeddingService creates an embedding service from settings.
// Returns nil, nil when no provider is configured.
func (f *Factory) CreateEmbeddingService(ctx context.Context, settings *EmbeddingSettings) (driven.EmbeddingService, error) {
	if !settings.IsConfigured() {
		return nil, nil
	}

	var (
		svc driven.EmbeddingService
		err error
	)
	switch Provider(strings.ToLower(string(settings.Provider))) {
	case ProviderOpenAI:
		svc, err = NewOpenAIEmbedding(OpenAIEmbeddingConfig{
			APIKey:     settings.APIKey,
			Model:      settings.Model,
			BaseURL:    settings.BaseURL,
			Dimensions: settings.Dimensions,
			Timeout:    settings.Timeout,
		})
	case ProviderOllama:
		svc = NewOllamaEmbedding(settings.BaseURL, settings.Model, settings.Timeout)
	case ProviderGemini:
		svc, err = NewGeminiEmbedding(ctx, GeminiConfig{
			APIKey:  settings.APIKey,
			Model:   settings.Model,
			BaseURL: settings.BaseURL,
			Timeout: settings.Timeout,
		}, settings.Dimensions)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidProvider, settings.Provider)
	}
	if err != nil {
		return nil, err
	}
	return svc, nil
}
