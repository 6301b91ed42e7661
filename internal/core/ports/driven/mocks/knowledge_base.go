package mocks

import (
	"context"
	"sync"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

// MockKnowledgeBase is a mock implementation of KnowledgeBase for testing
type MockKnowledgeBase struct {
	mu       sync.Mutex
	snippets []domain.KnowledgeSnippet
	requests []driven.RetrieveRequest

	// Custom behavior hooks (optional)
	RetrieveFn    func(req driven.RetrieveRequest) ([]domain.KnowledgeSnippet, error)
	HealthCheckFn func() error
}

// NewMockKnowledgeBase creates a MockKnowledgeBase returning the given snippets.
func NewMockKnowledgeBase(snippets ...domain.KnowledgeSnippet) *MockKnowledgeBase {
	return &MockKnowledgeBase{snippets: snippets}
}

func (m *MockKnowledgeBase) Retrieve(ctx context.Context, req driven.RetrieveRequest) ([]domain.KnowledgeSnippet, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.RetrieveFn != nil {
		return m.RetrieveFn(req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.snippets
	if req.MaxResults > 0 && len(out) > req.MaxResults {
		out = out[:req.MaxResults]
	}
	return append([]domain.KnowledgeSnippet(nil), out...), nil
}

func (m *MockKnowledgeBase) HealthCheck(ctx context.Context) error {
	if m.HealthCheckFn != nil {
		return m.HealthCheckFn()
	}
	return nil
}

// Requests returns every retrieval request received.
func (m *MockKnowledgeBase) Requests() []driven.RetrieveRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]driven.RetrieveRequest(nil), m.requests...)
}

// SetSnippets replaces the canned snippets.
func (m *MockKnowledgeBase) SetSnippets(snippets ...domain.KnowledgeSnippet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snippets = snippets
}
