package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

// MockWorkQueue is an in-memory WorkQueue for testing.
// Deliveries are received in enqueue order.
type MockWorkQueue struct {
	mu         sync.Mutex
	order      []string
	deliveries map[string]*domain.Delivery
	acked      []string
	nacked     map[string]string
	dead       map[string]string

	// Custom behavior hooks (optional)
	EnqueueBatchFn func(ds []*domain.Delivery) error
	ReceiveFn      func(max int) ([]*domain.Delivery, error)
	PingFn         func() error
}

// NewMockWorkQueue creates a new MockWorkQueue
func NewMockWorkQueue() *MockWorkQueue {
	return &MockWorkQueue{
		deliveries: make(map[string]*domain.Delivery),
		nacked:     make(map[string]string),
		dead:       make(map[string]string),
	}
}

func (m *MockWorkQueue) Enqueue(ctx context.Context, d *domain.Delivery) error {
	return m.EnqueueBatch(ctx, []*domain.Delivery{d})
}

func (m *MockWorkQueue) EnqueueBatch(ctx context.Context, ds []*domain.Delivery) error {
	if m.EnqueueBatchFn != nil {
		if err := m.EnqueueBatchFn(ds); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range ds {
		cp := *d
		m.deliveries[d.ID] = &cp
		m.order = append(m.order, d.ID)
	}
	return nil
}

// ReceiveBatch returns ready deliveries without waiting.
func (m *MockWorkQueue) ReceiveBatch(ctx context.Context, max int, timeoutSec int) ([]*domain.Delivery, error) {
	if m.ReceiveFn != nil {
		return m.ReceiveFn(max)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Delivery
	for _, id := range m.order {
		d := m.deliveries[id]
		if d == nil || d.Status != domain.DeliveryStatusPending {
			continue
		}
		d.MarkProcessing()
		cp := *d
		out = append(out, &cp)
		if len(out) == max {
			break
		}
	}
	return out, nil
}

func (m *MockWorkQueue) Ack(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[id]; !ok {
		return fmt.Errorf("delivery %s: %w", id, domain.ErrNotFound)
	}
	delete(m.deliveries, id)
	m.acked = append(m.acked, id)
	return nil
}

// Nack makes the delivery immediately ready again, or dead-letters it
// once attempts are exhausted.
func (m *MockWorkQueue) Nack(ctx context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return fmt.Errorf("delivery %s: %w", id, domain.ErrNotFound)
	}
	m.nacked[id] = reason
	if !d.CanRetry() {
		d.MarkDead(reason)
		m.dead[id] = reason
		return nil
	}
	d.Status = domain.DeliveryStatusPending
	d.Error = reason
	return nil
}

func (m *MockWorkQueue) DeadLetter(ctx context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return fmt.Errorf("delivery %s: %w", id, domain.ErrNotFound)
	}
	d.MarkDead(reason)
	m.dead[id] = reason
	return nil
}

func (m *MockWorkQueue) Stats(ctx context.Context) (*driven.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &driven.QueueStats{}
	for _, d := range m.deliveries {
		switch d.Status {
		case domain.DeliveryStatusPending:
			stats.PendingCount++
		case domain.DeliveryStatusProcessing:
			stats.ProcessingCount++
		case domain.DeliveryStatusDead:
			stats.DeadCount++
		}
	}
	return stats, nil
}

func (m *MockWorkQueue) Ping(ctx context.Context) error {
	if m.PingFn != nil {
		return m.PingFn()
	}
	return nil
}

func (m *MockWorkQueue) Close() error {
	return nil
}

// Helper methods for testing

// Enqueued returns every delivery still held, in enqueue order.
func (m *MockWorkQueue) Enqueued() []*domain.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Delivery
	for _, id := range m.order {
		if d, ok := m.deliveries[id]; ok {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out
}

// Acked returns acknowledged delivery IDs in order.
func (m *MockWorkQueue) Acked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.acked...)
}

// NackReason returns the last nack reason for a delivery.
func (m *MockWorkQueue) NackReason(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.nacked[id]
	return r, ok
}

// DeadReason returns the dead-letter reason for a delivery.
func (m *MockWorkQueue) DeadReason(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.dead[id]
	return r, ok
}
