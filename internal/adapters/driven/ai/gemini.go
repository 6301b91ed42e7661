package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

// Ensure GeminiLLM implements LLMService
var _ driven.LLMService = (*GeminiLLM)(nil)

const (
	defaultGeminiModel   = "gemini-2.5-flash"
	defaultGeminiTimeout = 120 * time.Second
)

// GeminiLLM implements LLMService using the Google Gen AI SDK
type GeminiLLM struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// GeminiConfig holds configuration for GeminiLLM.
type GeminiConfig struct {
	APIKey string
	Model  string

	// BaseURL overrides the API endpoint (tests, proxies)
	BaseURL string

	// Timeout bounds a single call (default 120s)
	Timeout time.Duration
}

// NewGeminiLLM creates a new Gemini LLM service
func NewGeminiLLM(ctx context.Context, cfg GeminiConfig) (*GeminiLLM, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: Gemini API key is required", domain.ErrInvalidInput)
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultGeminiTimeout
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiLLM{
		client:  client,
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}, nil
}

// Invoke sends the prompt and returns the joined candidate text
func (g *GeminiLLM) Invoke(ctx context.Context, req driven.LLMRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = g.model
	}

	config := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.JSONMode {
		config.ResponseMIMEType = "application/json"
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.Models.GenerateContent(callCtx, model, genai.Text(req.Prompt), config)
	if err != nil {
		return "", geminiError(err)
	}

	text := candidateText(resp)
	if text == "" {
		return "", fmt.Errorf("gemini model %s: %w", model, domain.ErrEmptyResponse)
	}
	return text, nil
}

// candidateText joins the text parts of the first candidate that has any
func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil && part.Text != "" && !part.Thought {
				b.WriteString(part.Text)
			}
		}
		if b.Len() > 0 {
			break
		}
	}
	return strings.TrimSpace(b.String())
}

// geminiError maps SDK errors to domain sentinels
func geminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		detail := apiErr.Message
		if apiErr.Status != "" {
			detail = apiErr.Status + ": " + detail
		}
		return statusError("gemini", apiErr.Code, detail)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return statusError("gemini", apiErrPtr.Code, apiErrPtr.Status+": "+apiErrPtr.Message)
	}
	return transportError("gemini", err)
}

// Model returns the default model name
func (g *GeminiLLM) Model() string {
	return g.model
}

// Ping verifies the API key and model with a minimal generation
func (g *GeminiLLM) Ping(ctx context.Context) error {
	_, err := g.Invoke(ctx, driven.LLMRequest{Prompt: "ping", MaxTokens: 1})
	if errors.Is(err, domain.ErrEmptyResponse) {
		return nil
	}
	return err
}

// Close releases resources held by the LLM service
func (g *GeminiLLM) Close() error {
	return nil
}

// Ensure GeminiEmbedding implements EmbeddingService
var _ driven.EmbeddingService = (*GeminiEmbedding)(nil)

const (
	defaultGeminiEmbedModel      = "gemini-embedding-001"
	defaultGeminiEmbedDimensions = 768
)

// GeminiEmbedding implements EmbeddingService using Gemini embedding models
type GeminiEmbedding struct {
	client     *genai.Client
	model      string
	dimensions int
}

// NewGeminiEmbedding creates a new Gemini embedding service.
// dimensions sets the output dimensionality (default 768).
func NewGeminiEmbedding(ctx context.Context, cfg GeminiConfig, dimensions int) (*GeminiEmbedding, error) {
	if cfg.Model == "" {
		cfg.Model = defaultGeminiEmbedModel
	}
	if dimensions <= 0 {
		dimensions = defaultGeminiEmbedDimensions
	}
	llm, err := NewGeminiLLM(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &GeminiEmbedding{
		client:     llm.client,
		model:      cfg.Model,
		dimensions: dimensions,
	}, nil
}

// Embed generates embeddings for multiple texts in one call
func (g *GeminiEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, 0, len(texts))
	for _, text := range texts {
		contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
	}

	outputDim := int32(g.dimensions)
	result, err := g.client.Models.EmbedContent(ctx, g.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &outputDim,
	})
	if err != nil {
		return nil, geminiError(err)
	}
	if result == nil || len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini returned %d embeddings for %d inputs", embeddingCount(result), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, emb := range result.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("gemini returned no embedding for input %d", i)
		}
		out[i] = emb.Values
	}
	return out, nil
}

func embeddingCount(result *genai.EmbedContentResponse) int {
	if result == nil {
		return 0
	}
	return len(result.Embeddings)
}

// EmbedQuery generates an embedding for a retrieval query
func (g *GeminiEmbedding) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	out, err := g.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// Dimensions returns the embedding dimension size
func (g *GeminiEmbedding) Dimensions() int {
	return g.dimensions
}

// Model returns the model name being used
func (g *GeminiEmbedding) Model() string {
	return g.model
}

// HealthCheck embeds a short probe string
func (g *GeminiEmbedding) HealthCheck(ctx context.Context) error {
	_, err := g.EmbedQuery(ctx, "health check")
	return err
}

// Close releases resources held by the embedding service
func (g *GeminiEmbedding) Close() error {
	return nil
}
