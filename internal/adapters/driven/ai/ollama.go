package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

var (
	_ driven.LLMService       = (*OllamaLLM)(nil)
	_ driven.EmbeddingService = (*OllamaEmbedding)(nil)
)

const (
	defaultOllamaURL        = "http://localhost:11434"
	defaultOllamaModel      = "llama3.2:latest"
	defaultOllamaEmbedModel = "nomic-embed-text"
	defaultOllamaTimeout    = 180 * time.Second
)

// ollamaModelDimensions lists known embedding sizes for local models
var ollamaModelDimensions = map[string]int{
	"nomic-embed-text":  768,
	"mxbai-embed-large": 1024,
	"all-minilm":        384,
}

// ollamaClient is the shared HTTP plumbing for the Ollama adapters
type ollamaClient struct {
	baseURL string
	client  *http.Client
}

func newOllamaClient(baseURL string, timeout time.Duration) ollamaClient {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if timeout <= 0 {
		timeout = defaultOllamaTimeout
	}
	return ollamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c ollamaClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return transportError("ollama", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return statusError("ollama", resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode ollama response: %w", err)
	}
	return nil
}

func (c ollamaClient) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return transportError("ollama", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("ollama", resp.StatusCode, "")
	}
	return nil
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Format  string         `json:"format,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// OllamaLLM implements LLMService against a local Ollama server
type OllamaLLM struct {
	ollamaClient
	model string
}

// NewOllamaLLM creates a new Ollama LLM service
func NewOllamaLLM(baseURL, model string, timeout time.Duration) *OllamaLLM {
	if model == "" {
		model = defaultOllamaModel
	}
	return &OllamaLLM{
		ollamaClient: newOllamaClient(baseURL, timeout),
		model:        model,
	}
}

// Invoke runs a non-streaming generation
func (o *OllamaLLM) Invoke(ctx context.Context, req driven.LLMRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	body := ollamaGenerateRequest{
		Model:  model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: false,
	}
	if req.JSONMode {
		body.Format = "json"
	}
	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(options) > 0 {
		body.Options = options
	}

	var resp ollamaGenerateResponse
	if err := o.post(ctx, "/api/generate", body, &resp); err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Response)
	if text == "" {
		return "", fmt.Errorf("ollama model %s: %w", model, domain.ErrEmptyResponse)
	}
	return text, nil
}

// Model returns the default model name
func (o *OllamaLLM) Model() string {
	return o.model
}

// Ping checks the server is up
func (o *OllamaLLM) Ping(ctx context.Context) error {
	return o.ping(ctx)
}

// Close releases idle connections
func (o *OllamaLLM) Close() error {
	o.client.CloseIdleConnections()
	return nil
}

type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// OllamaEmbedding implements EmbeddingService against a local Ollama server
type OllamaEmbedding struct {
	ollamaClient
	model      string
	dimensions int
}

// NewOllamaEmbedding creates a new Ollama embedding service
func NewOllamaEmbedding(baseURL, model string, timeout time.Duration) *OllamaEmbedding {
	if model == "" {
		model = defaultOllamaEmbedModel
	}
	dimensions, ok := ollamaModelDimensions[model]
	if !ok {
		dimensions = 768
	}
	return &OllamaEmbedding{
		ollamaClient: newOllamaClient(baseURL, timeout),
		model:        model,
		dimensions:   dimensions,
	}
}

// Embed embeds each text in turn; the endpoint takes one prompt per call
func (o *OllamaEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := o.EmbedQuery(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

// EmbedQuery embeds a single query
func (o *OllamaEmbedding) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	var resp ollamaEmbeddingResponse
	if err := o.post(ctx, "/api/embeddings", ollamaEmbeddingRequest{Model: o.model, Prompt: query}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.New("no embedding returned for query")
	}
	return resp.Embedding, nil
}

// Dimensions returns the embedding dimension size
func (o *OllamaEmbedding) Dimensions() int {
	return o.dimensions
}

// Model returns the model name being used
func (o *OllamaEmbedding) Model() string {
	return o.model
}

// HealthCheck checks the server is up
func (o *OllamaEmbedding) HealthCheck(ctx context.Context) error {
	return o.ping(ctx)
}

// Close releases idle connections
func (o *OllamaEmbedding) Close() error {
	o.client.CloseIdleConnections()
	return nil
}
