package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

// Ensure AnthropicLLM implements LLMService
var _ driven.LLMService = (*AnthropicLLM)(nil)

const (
	defaultAnthropicModel     = "claude-sonnet-4-5"
	defaultAnthropicMaxTokens = 4096
	defaultAnthropicTimeout   = 120 * time.Second
)

// jsonInstruction is appended to the system prompt in JSON mode, since
// the Messages API has no response format switch.
const jsonInstruction = "Respond with a single JSON object and nothing else."

// AnthropicLLM implements LLMService using the Anthropic Messages API
type AnthropicLLM struct {
	client    anthropic.Client
	model     string
	maxTokens int
	timeout   time.Duration
}

// AnthropicConfig holds configuration for AnthropicLLM.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
}

// NewAnthropicLLM creates a new Anthropic LLM service.
// SDK retries are disabled; the pipeline owns retry policy.
func NewAnthropicLLM(cfg AnthropicConfig) (*AnthropicLLM, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: Anthropic API key is required", domain.ErrInvalidInput)
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAnthropicMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultAnthropicTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicLLM{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
	}, nil
}

// Invoke sends the prompt as a single user message
func (a *AnthropicLLM) Invoke(ctx context.Context, req driven.LLMRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	system := req.System
	if req.JSONMode {
		system = strings.TrimSpace(system + "\n\n" + jsonInstruction)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.client.Messages.New(callCtx, params)
	if err != nil {
		return "", anthropicError(err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("anthropic model %s: %w", model, domain.ErrEmptyResponse)
	}
	return text, nil
}

func anthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return statusError("anthropic", apiErr.StatusCode, apiErr.Error())
	}
	return transportError("anthropic", err)
}

// Model returns the default model name
func (a *AnthropicLLM) Model() string {
	return a.model
}

// Ping verifies the API key and model with a minimal message
func (a *AnthropicLLM) Ping(ctx context.Context) error {
	_, err := a.Invoke(ctx, driven.LLMRequest{Prompt: "ping", MaxTokens: 1})
	if errors.Is(err, domain.ErrEmptyResponse) {
		return nil
	}
	return err
}

// Close releases resources held by the LLM service
func (a *AnthropicLLM) Close() error {
	return nil
}
