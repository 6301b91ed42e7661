package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

func TestStatusError(t *testing.T) {
	tests := []struct {
		status   int
		sentinel error
	}{
		{http.StatusTooManyRequests, domain.ErrThrottled},
		{http.StatusUnauthorized, domain.ErrUnauthorized},
		{http.StatusForbidden, domain.ErrUnauthorized},
		{http.StatusGatewayTimeout, domain.ErrTimeout},
		{http.StatusBadGateway, domain.ErrServiceUnavailable},
		{http.StatusUnprocessableEntity, domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		err := statusError("test", tt.status, strings.Repeat("x", 2*maxErrorBody))
		assert.ErrorIs(t, err, tt.sentinel, "status %d", tt.status)
		assert.Less(t, len(err.Error()), maxErrorBody+100)
	}

	assert.True(t, domain.IsThrottled(statusError("test", http.StatusTooManyRequests, "")))
}

func TestTransportError(t *testing.T) {
	assert.ErrorIs(t, transportError("test", context.DeadlineExceeded), domain.ErrTimeout)
	assert.ErrorIs(t, transportError("test", errors.New("connection refused")), domain.ErrServiceUnavailable)
	assert.Equal(t, context.Canceled, transportError("test", context.Canceled))
}

func TestOllamaLLM_Invoke(t *testing.T) {
	var got ollamaGenerateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		got = ollamaGenerateRequest{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: "  {\"score\": 0.8}\n", Done: true})
	}))
	defer server.Close()

	llm := NewOllamaLLM(server.URL+"/", "", time.Second)
	assert.Equal(t, defaultOllamaModel, llm.Model())

	text, err := llm.Invoke(context.Background(), driven.LLMRequest{
		Prompt:      "score this",
		System:      "you are a capture manager",
		JSONMode:    true,
		Temperature: 0.1,
		MaxTokens:   256,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"score": 0.8}`, text)
	assert.Equal(t, "json", got.Format)
	assert.False(t, got.Stream)
	assert.Equal(t, "you are a capture manager", got.System)
	assert.EqualValues(t, 256, got.Options["num_predict"])

	_, err = llm.Invoke(context.Background(), driven.LLMRequest{Model: "mistral", Prompt: "plain"})
	require.NoError(t, err)
	assert.Equal(t, "mistral", got.Model)
	assert.Empty(t, got.Format)
	assert.Nil(t, got.Options)
}

func TestOllamaLLM_Errors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s := int(status.Load()); s != http.StatusOK {
			w.WriteHeader(s)
			_, _ = w.Write([]byte(`{"error":"model is loading"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: "   ", Done: true})
	}))
	defer server.Close()

	llm := NewOllamaLLM(server.URL, "llama3.2:latest", time.Second)

	_, err := llm.Invoke(context.Background(), driven.LLMRequest{Prompt: "p"})
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
	assert.True(t, domain.IsRetryable(err))

	status.Store(http.StatusOK)
	_, err = llm.Invoke(context.Background(), driven.LLMRequest{Prompt: "p"})
	assert.ErrorIs(t, err, domain.ErrEmptyResponse)

	assert.NoError(t, llm.Ping(context.Background()))
	assert.NoError(t, llm.Close())
}

func TestOllamaEmbedding(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[]}`))
		case "/api/embeddings":
			var req ollamaEmbeddingRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "nomic-embed-text", req.Model)
			n := calls.Add(1)
			_ = json.NewEncoder(w).Encode(ollamaEmbeddingResponse{Embedding: []float32{float32(n), 0.5}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	emb := NewOllamaEmbedding(server.URL, "", time.Second)
	assert.Equal(t, 768, emb.Dimensions())
	assert.Equal(t, 1024, NewOllamaEmbedding(server.URL, "mxbai-embed-large", 0).Dimensions())

	out, err := emb.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, float32(1), out[0][0])
	assert.Equal(t, float32(2), out[1][0])

	assert.NoError(t, emb.HealthCheck(context.Background()))
}

func anthropicServer(t *testing.T, handle func(w http.ResponseWriter, body map[string]any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("X-Api-Key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		handle(w, body)
	}))
}

func TestAnthropicLLM_Invoke(t *testing.T) {
	var captured map[string]any
	server := anthropicServer(t, func(w http.ResponseWriter, body map[string]any) {
		captured = body
		_, _ = w.Write([]byte(`{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-5",
			"content": [{"type": "text", "text": "{\"score\": 0.9}"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 6}
		}`))
	})
	defer server.Close()

	llm, err := NewAnthropicLLM(AnthropicConfig{APIKey: "sk-ant-test", BaseURL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, defaultAnthropicModel, llm.Model())

	text, err := llm.Invoke(context.Background(), driven.LLMRequest{
		Prompt:   "score this opportunity",
		JSONMode: true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"score": 0.9}`, text)

	assert.Equal(t, defaultAnthropicModel, captured["model"])
	assert.EqualValues(t, defaultAnthropicMaxTokens, captured["max_tokens"])
	system, ok := captured["system"].([]any)
	require.True(t, ok, "system prompt expected in JSON mode")
	assert.Contains(t, system[0].(map[string]any)["text"], jsonInstruction)
}

func TestAnthropicLLM_ThrottlingIsNotRetriedBySDK(t *testing.T) {
	var calls atomic.Int32
	server := anthropicServer(t, func(w http.ResponseWriter, body map[string]any) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"Number of requests has exceeded your rate limit"}}`))
	})
	defer server.Close()

	llm, err := NewAnthropicLLM(AnthropicConfig{APIKey: "sk-ant-test", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = llm.Invoke(context.Background(), driven.LLMRequest{Prompt: "p"})
	assert.ErrorIs(t, err, domain.ErrThrottled)
	assert.True(t, domain.IsRetryable(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestNewAnthropicLLM_RequiresKey(t *testing.T) {
	_, err := NewAnthropicLLM(AnthropicConfig{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func geminiServer(t *testing.T, handle func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		handle(w, r)
	}))
}

func TestGeminiLLM_Invoke(t *testing.T) {
	var captured map[string]any
	server := geminiServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "models/gemini-2.5-pro:generateContent"), r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"BUSINESS SUMMARY:"},{"text":" ok"}]}}]}`))
	})
	defer server.Close()

	llm, err := NewGeminiLLM(context.Background(), GeminiConfig{APIKey: "g-test", BaseURL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, defaultGeminiModel, llm.Model())

	text, err := llm.Invoke(context.Background(), driven.LLMRequest{
		Model:    "gemini-2.5-pro",
		Prompt:   "extract",
		JSONMode: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "BUSINESS SUMMARY: ok", text)

	genCfg, ok := captured["generationConfig"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "application/json", genCfg["responseMimeType"])
}

func TestGeminiLLM_Errors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusTooManyRequests)
	server := geminiServer(t, func(w http.ResponseWriter, r *http.Request) {
		s := int(status.Load())
		if s == http.StatusOK {
			_, _ = w.Write([]byte(`{"candidates":[]}`))
			return
		}
		w.WriteHeader(s)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": s, "message": "quota", "status": "RESOURCE_EXHAUSTED"},
		})
	})
	defer server.Close()

	llm, err := NewGeminiLLM(context.Background(), GeminiConfig{APIKey: "g-test", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = llm.Invoke(context.Background(), driven.LLMRequest{Prompt: "p"})
	assert.ErrorIs(t, err, domain.ErrThrottled)

	status.Store(http.StatusForbidden)
	_, err = llm.Invoke(context.Background(), driven.LLMRequest{Prompt: "p"})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Error(t, llm.Ping(context.Background()))

	status.Store(http.StatusOK)
	_, err = llm.Invoke(context.Background(), driven.LLMRequest{Prompt: "p"})
	assert.ErrorIs(t, err, domain.ErrEmptyResponse)
	assert.NoError(t, llm.Ping(context.Background()))
}

func TestGeminiEmbedding(t *testing.T) {
	server := geminiServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "gemini-embedding-001")
		_, _ = w.Write([]byte(`{"embeddings":[{"values":[0.1,0.2]},{"values":[0.3,0.4]}]}`))
	})
	defer server.Close()

	emb, err := NewGeminiEmbedding(context.Background(), GeminiConfig{APIKey: "g-test", BaseURL: server.URL}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, emb.Dimensions())
	assert.Equal(t, defaultGeminiEmbedModel, emb.Model())

	out, err := emb.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.1, 0.2}, {0.3, 0.4}}, out)

	_, err = emb.EmbedQuery(context.Background(), "only one")
	assert.Error(t, err, "two vectors for one input is a count mismatch")
}

type countingLLM struct {
	calls atomic.Int32
}

func (c *countingLLM) Invoke(ctx context.Context, req driven.LLMRequest) (string, error) {
	c.calls.Add(1)
	return "ok", nil
}
func (c *countingLLM) Model() string                  { return "counting" }
func (c *countingLLM) Ping(ctx context.Context) error { return nil }
func (c *countingLLM) Close() error                   { return nil }

func TestRateLimitedLLM(t *testing.T) {
	inner := &countingLLM{}
	assert.Same(t, driven.LLMService(inner), NewRateLimitedLLM(inner, 0))

	limited := NewRateLimitedLLM(inner, 1)
	assert.Equal(t, "counting", limited.Model())

	_, err := limited.Invoke(context.Background(), driven.LLMRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = limited.Invoke(ctx, driven.LLMRequest{})
	assert.Error(t, err, "second call within the minute must wait past the deadline")
	assert.EqualValues(t, 1, inner.calls.Load())
}

func TestFactory(t *testing.T) {
	f := NewFactory()
	ctx := context.Background()

	llm, err := f.CreateLLMService(ctx, nil)
	assert.NoError(t, err)
	assert.Nil(t, llm)

	llm, err = f.CreateLLMService(ctx, &LLMSettings{Provider: "Ollama", Model: "llama3.1"})
	require.NoError(t, err)
	assert.Equal(t, "llama3.1", llm.Model())

	llm, err = f.CreateLLMService(ctx, &LLMSettings{Provider: ProviderAnthropic, APIKey: "k", RequestsPerMinute: 30})
	require.NoError(t, err)
	assert.IsType(t, &RateLimitedLLM{}, llm)

	_, err = f.CreateLLMService(ctx, &LLMSettings{Provider: ProviderGemini})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.CreateLLMService(ctx, &LLMSettings{Provider: "bedrock"})
	assert.ErrorIs(t, err, domain.ErrInvalidProvider)

	emb, err := f.CreateEmbeddingService(ctx, &EmbeddingSettings{})
	assert.NoError(t, err)
	assert.Nil(t, emb)

	emb, err = f.CreateEmbeddingService(ctx, &EmbeddingSettings{Provider: ProviderOpenAI, APIKey: "sk"})
	require.NoError(t, err)
	assert.Equal(t, 1536, emb.Dimensions())

	emb, err = f.CreateEmbeddingService(ctx, &EmbeddingSettings{Provider: ProviderOpenAI})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Nil(t, emb)

	_, err = f.CreateEmbeddingService(ctx, &EmbeddingSettings{Provider: "cohere"})
	assert.ErrorIs(t, err, domain.ErrInvalidProvider)
}
