package mocks

import (
	"sync"
	"time"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
)

// StageObservation is one recorded StageCompleted call.
type StageObservation struct {
	Stage domain.Stage
	Kind  domain.ErrorKind
}

// MockObserver records pipeline observations for assertions.
type MockObserver struct {
	mu       sync.Mutex
	Stages   []StageObservation
	Items    map[domain.Category]int
	Failures int
	Retries  map[string]int
	Snippets []int
}

// NewMockObserver creates a new MockObserver
func NewMockObserver() *MockObserver {
	return &MockObserver{
		Items:   make(map[domain.Category]int),
		Retries: make(map[string]int),
	}
}

func (m *MockObserver) StageCompleted(stage domain.Stage, _ time.Duration, kind domain.ErrorKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Stages = append(m.Stages, StageObservation{Stage: stage, Kind: kind})
}

func (m *MockObserver) ItemCompleted(category domain.Category, success bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Items[category]++
	if !success {
		m.Failures++
	}
}

func (m *MockObserver) CallRetried(operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Retries[operation]++
}

func (m *MockObserver) SnippetsRetrieved(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Snippets = append(m.Snippets, count)
}

// StageKinds returns the error kinds recorded for a stage.
func (m *MockObserver) StageKinds(stage domain.Stage) []domain.ErrorKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kinds []domain.ErrorKind
	for _, s := range m.Stages {
		if s.Stage == stage {
			kinds = append(kinds, s.Kind)
		}
	}
	return kinds
}
