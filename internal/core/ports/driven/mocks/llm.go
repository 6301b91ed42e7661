package mocks

import (
	"context"
	"sync"

	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

// LLMReply is one scripted model reply.
type LLMReply struct {
	Text string
	Err  error
}

// MockLLMService is a scripted LLMService for testing.
// Replies are consumed in order; once exhausted the last reply repeats.
type MockLLMService struct {
	mu       sync.Mutex
	model    string
	replies  []LLMReply
	requests []driven.LLMRequest

	// InvokeFn overrides the script when set
	InvokeFn func(req driven.LLMRequest) (string, error)
}

// NewMockLLMService creates a MockLLMService replying with the given script.
func NewMockLLMService(replies ...LLMReply) *MockLLMService {
	return &MockLLMService{
		model:   "mock-llm",
		replies: replies,
	}
}

func (m *MockLLMService) Invoke(ctx context.Context, req driven.LLMRequest) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	idx := len(m.requests) - 1
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.InvokeFn != nil {
		return m.InvokeFn(req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.replies) == 0 {
		return "", nil
	}
	if idx >= len(m.replies) {
		idx = len(m.replies) - 1
	}
	r := m.replies[idx]
	return r.Text, r.Err
}

func (m *MockLLMService) Model() string {
	return m.model
}

func (m *MockLLMService) Ping(ctx context.Context) error {
	return nil
}

func (m *MockLLMService) Close() error {
	return nil
}

// Helper methods for testing

// Calls returns the number of Invoke calls.
func (m *MockLLMService) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of every request received.
func (m *MockLLMService) Requests() []driven.LLMRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]driven.LLMRequest(nil), m.requests...)
}

// SetReplies replaces the script and resets the call history.
func (m *MockLLMService) SetReplies(replies ...LLMReply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = replies
	m.requests = nil
}
