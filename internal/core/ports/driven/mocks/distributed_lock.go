package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockDistributedLock keeps leases in memory and logs every acquire and
// release so tests can check each item was locked once and let go.
type MockDistributedLock struct {
	mu     sync.Mutex
	leases map[string]time.Time
	log    struct{ acquired, released, extended []string }

	// Now replaces time.Now when set, for expiry tests
	Now func() time.Time

	AcquireFn func(name string, ttl time.Duration) (bool, error)
	ReleaseFn func(name string) error
	ExtendFn  func(name string, ttl time.Duration) error
	PingFn    func() error
}

func NewMockDistributedLock() *MockDistributedLock {
	return &MockDistributedLock{leases: map[string]time.Time{}}
}

func (m *MockDistributedLock) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// live reports whether name has an unexpired lease. Callers hold mu.
func (m *MockDistributedLock) live(name string) bool {
	until, ok := m.leases[name]
	return ok && m.now().Before(until)
}

func (m *MockDistributedLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if m.AcquireFn != nil {
		return m.AcquireFn(name, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live(name) {
		return false, nil
	}
	m.leases[name] = m.now().Add(ttl)
	m.log.acquired = append(m.log.acquired, name)
	return true, nil
}

func (m *MockDistributedLock) Release(ctx context.Context, name string) error {
	if m.ReleaseFn != nil {
		return m.ReleaseFn(name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, name)
	m.log.released = append(m.log.released, name)
	return nil
}

func (m *MockDistributedLock) Extend(ctx context.Context, name string, ttl time.Duration) error {
	if m.ExtendFn != nil {
		return m.ExtendFn(name, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.extended = append(m.log.extended, name)
	if !m.live(name) {
		return fmt.Errorf("mock lock %q is not held", name)
	}
	m.leases[name] = m.now().Add(ttl)
	return nil
}

func (m *MockDistributedLock) Ping(ctx context.Context) error {
	if m.PingFn == nil {
		return nil
	}
	return m.PingFn()
}

// IsHeld reports whether name currently has a live lease.
func (m *MockDistributedLock) IsHeld(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(name)
}

// SetLockHeld plants a lease as if another worker owned name.
func (m *MockDistributedLock) SetLockHeld(name string, ttl time.Duration) {
	m.mu.Lock()
	m.leases[name] = m.now().Add(ttl)
	m.mu.Unlock()
}

// Acquired lists names taken through Acquire, oldest first.
func (m *MockDistributedLock) Acquired() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.log.acquired...)
}

// Released lists names dropped through Release, oldest first.
func (m *MockDistributedLock) Released() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.log.released...)
}

// Extended lists names passed to Extend, oldest first.
func (m *MockDistributedLock) Extended() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.log.extended...)
}
