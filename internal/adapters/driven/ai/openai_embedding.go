package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

var _ driven.EmbeddingService = (*OpenAIEmbedding)(nil)

const (
	defaultOpenAIEmbedModel = "text-embedding-3-small"
	defaultOpenAIBaseURL    = "https://api.openai.com/v1"

	// openAIMaxInputs is the per-request input cap of the embeddings endpoint
	openAIMaxInputs = 2048
)

// native output sizes; text-embedding-3 models can be shortened on request
var openAIModelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// OpenAIEmbeddingConfig configures an OpenAI-compatible embeddings endpoint.
type OpenAIEmbeddingConfig struct {
	APIKey  string
	Model   string
	BaseURL string

	// Dimensions shortens text-embedding-3 vectors when set
	Dimensions int

	// BatchSize caps inputs per request (default and max 2048)
	BatchSize int

	Timeout time.Duration
}

// OpenAIEmbedding calls POST {baseURL}/embeddings.
type OpenAIEmbedding struct {
	cfg        OpenAIEmbeddingConfig
	dimensions int
	shorten    bool
	client     *http.Client
}

func NewOpenAIEmbedding(cfg OpenAIEmbeddingConfig) (*OpenAIEmbedding, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: OpenAI API key is required", domain.ErrInvalidInput)
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIEmbedModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BatchSize <= 0 || cfg.BatchSize > openAIMaxInputs {
		cfg.BatchSize = openAIMaxInputs
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	native, known := openAIModelDimensions[cfg.Model]
	if !known {
		native = 1536
	}
	e := &OpenAIEmbedding{
		cfg:        cfg,
		dimensions: native,
		client:     &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.Dimensions > 0 && cfg.Dimensions != native && strings.HasPrefix(cfg.Model, "text-embedding-3") {
		if cfg.Dimensions > native {
			return nil, fmt.Errorf("%w: %s produces at most %d dimensions", domain.ErrInvalidInput, cfg.Model, native)
		}
		e.dimensions = cfg.Dimensions
		e.shorten = true
	}
	return e, nil
}

type openAIEmbedRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format"`
	Dimensions     int      `json:"dimensions,omitempty"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type openAIErrorBody struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Embed returns one vector per text in input order, splitting large inputs
// across requests.
func (e *OpenAIEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(texts))
		if err := e.embedChunk(ctx, texts[start:end], out[start:end]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e *OpenAIEmbedding) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *OpenAIEmbedding) Dimensions() int { return e.dimensions }

func (e *OpenAIEmbedding) Model() string { return e.cfg.Model }

// HealthCheck embeds a one-word probe.
func (e *OpenAIEmbedding) HealthCheck(ctx context.Context) error {
	_, err := e.EmbedQuery(ctx, "ping")
	return err
}

func (e *OpenAIEmbedding) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

// embedChunk fills dst from one request. The API may return vectors out of
// order, so each is placed by its index.
func (e *OpenAIEmbedding) embedChunk(ctx context.Context, texts []string, dst [][]float32) error {
	body := openAIEmbedRequest{Input: texts, Model: e.cfg.Model, EncodingFormat: "float"}
	if e.shorten {
		body.Dimensions = e.dimensions
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("openai: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("openai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return transportError("openai", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError("openai", err)
	}
	if resp.StatusCode != http.StatusOK {
		return statusError("openai", resp.StatusCode, openAIErrorDetail(raw))
	}

	var parsed openAIEmbedResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("openai: decode response: %w", err)
	}
	for _, d := range parsed.Data {
		if d.Index >= 0 && d.Index < len(dst) {
			dst[d.Index] = d.Embedding
		}
	}
	for i, vec := range dst {
		if len(vec) == 0 {
			return fmt.Errorf("openai: no embedding for input %d", i)
		}
	}
	return nil
}

func openAIErrorDetail(raw []byte) string {
	var body openAIErrorBody
	if json.Unmarshal(raw, &body) == nil && body.Error != nil {
		return fmt.Sprintf("%s (%s/%s)", body.Error.Message, body.Error.Type, body.Error.Code)
	}
	return string(raw)
}
