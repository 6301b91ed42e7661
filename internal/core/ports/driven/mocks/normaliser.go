package mocks

import (
	"sync"

	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

// MockNormaliser returns fixed text or a fixed error and counts calls.
type MockNormaliser struct {
	Text  string
	Err   error
	Types []string
	Rank  int

	mu    sync.Mutex
	calls int
}

func (m *MockNormaliser) Normalise(content []byte, mimeType string) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	if m.Text == "" {
		return string(content), nil
	}
	return m.Text, nil
}

func (m *MockNormaliser) SupportedTypes() []string {
	if len(m.Types) == 0 {
		return []string{"*/*"}
	}
	return m.Types
}

func (m *MockNormaliser) Priority() int {
	return m.Rank
}

// Calls reports how many times Normalise ran.
func (m *MockNormaliser) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockNormaliserRegistry hands out the same candidate chain for every type
// and records which MIME types were looked up.
type MockNormaliserRegistry struct {
	Chain []driven.Normaliser

	mu      sync.Mutex
	lookups []string
}

func NewMockNormaliserRegistry(chain ...driven.Normaliser) *MockNormaliserRegistry {
	return &MockNormaliserRegistry{Chain: chain}
}

func (m *MockNormaliserRegistry) Candidates(mimeType string) []driven.Normaliser {
	m.mu.Lock()
	m.lookups = append(m.lookups, mimeType)
	m.mu.Unlock()
	return m.Chain
}

// Lookups returns the MIME types passed to Candidates.
func (m *MockNormaliserRegistry) Lookups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lookups...)
}

var (
	_ driven.Normaliser         = (*MockNormaliser)(nil)
	_ driven.NormaliserRegistry = (*MockNormaliserRegistry)(nil)
)
