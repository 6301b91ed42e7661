package mocks

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
)

// MockEmbeddingService hashes words into buckets, so texts sharing
// vocabulary get nearby vectors and the same text always embeds the same.
type MockEmbeddingService struct {
	mu      sync.Mutex
	dims    int
	failure error
	queries []string
}

func NewMockEmbeddingService() *MockEmbeddingService {
	return &MockEmbeddingService{dims: 384}
}

func (m *MockEmbeddingService) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := m.consumeFailure(); err != nil {
		return nil, err
	}
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		out = append(out, m.vector(t))
	}
	return out, nil
}

func (m *MockEmbeddingService) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if err := m.consumeFailure(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.queries = append(m.queries, query)
	m.mu.Unlock()
	return m.vector(query), nil
}

func (m *MockEmbeddingService) Dimensions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dims
}

func (m *MockEmbeddingService) Model() string { return "mock-bag-of-words" }

func (m *MockEmbeddingService) HealthCheck(ctx context.Context) error { return nil }

func (m *MockEmbeddingService) Close() error { return nil }

// FailNext makes the next Embed or EmbedQuery call return err.
func (m *MockEmbeddingService) FailNext(err error) {
	m.mu.Lock()
	m.failure = err
	m.mu.Unlock()
}

func (m *MockEmbeddingService) SetDimensions(dims int) {
	m.mu.Lock()
	m.dims = dims
	m.mu.Unlock()
}

// Queries lists the text passed to EmbedQuery, oldest first.
func (m *MockEmbeddingService) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queries...)
}

func (m *MockEmbeddingService) consumeFailure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.failure
	m.failure = nil
	return err
}

// vector returns an L2-normalised word count histogram.
func (m *MockEmbeddingService) vector(text string) []float32 {
	vec := make([]float32, m.Dimensions())
	if len(vec) == 0 {
		return vec
	}
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vec[h.Sum32()%uint32(len(vec))]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
