package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven/mocks"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProcessor implements driving.BatchProcessor.
// By default every item succeeds.
type fakeProcessor struct {
	mu      sync.Mutex
	batches [][]domain.WorkItemMessage
	fn      func([]domain.WorkItemMessage) (*domain.BatchResult, error)
}

func (p *fakeProcessor) ProcessBatch(ctx context.Context, items []domain.WorkItemMessage) (*domain.BatchResult, error) {
	p.mu.Lock()
	p.batches = append(p.batches, items)
	p.mu.Unlock()
	if p.fn != nil {
		return p.fn(items)
	}
	result := &domain.BatchResult{RunID: "run-1"}
	for _, m := range items {
		result.Add(domain.ItemOutcome{ItemID: m.ItemID(), MessageID: m.MessageID, Success: true})
	}
	return result, nil
}

func (p *fakeProcessor) calls() [][]domain.WorkItemMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]domain.WorkItemMessage(nil), p.batches...)
}

// pacedQueue waits briefly on an empty receive so loops do not spin.
type pacedQueue struct {
	*mocks.MockWorkQueue
}

func (q pacedQueue) ReceiveBatch(ctx context.Context, max int, timeoutSec int) ([]*domain.Delivery, error) {
	ds, err := q.MockWorkQueue.ReceiveBatch(ctx, max, timeoutSec)
	if err == nil && len(ds) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return ds, err
}

type statsRecorder struct {
	calls atomic.Int32
	last  atomic.Pointer[driven.QueueStats]
}

func (r *statsRecorder) QueueStats(stats *driven.QueueStats) {
	r.calls.Add(1)
	r.last.Store(stats)
}

func enqueue(t *testing.T, q *mocks.MockWorkQueue, keys ...string) []*domain.Delivery {
	t.Helper()
	ds := make([]*domain.Delivery, len(keys))
	for i, key := range keys {
		ds[i] = domain.NewDelivery(domain.NewWorkItemMessage("opportunities", key))
	}
	if err := q.EnqueueBatch(context.Background(), ds); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return ds
}

func receive(t *testing.T, q *mocks.MockWorkQueue, max int) []*domain.Delivery {
	t.Helper()
	ds, err := q.ReceiveBatch(context.Background(), max, 0)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return ds
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewWorker_Defaults(t *testing.T) {
	w := NewWorker(WorkerConfig{Queue: mocks.NewMockWorkQueue(), Processor: &fakeProcessor{}})

	if w.concurrency != 1 {
		t.Errorf("expected concurrency 1, got %d", w.concurrency)
	}
	if w.batchSize != 10 {
		t.Errorf("expected batch size 10, got %d", w.batchSize)
	}
	if w.receiveTimeout != 5 {
		t.Errorf("expected receive timeout 5, got %d", w.receiveTimeout)
	}
	if w.statsInterval != 15*time.Second {
		t.Errorf("expected stats interval 15s, got %v", w.statsInterval)
	}
	if w.logger == nil {
		t.Error("expected default logger")
	}
}

func TestNewWorker_Config(t *testing.T) {
	w := NewWorker(WorkerConfig{
		Queue:          mocks.NewMockWorkQueue(),
		Processor:      &fakeProcessor{},
		Concurrency:    4,
		BatchSize:      3,
		ReceiveTimeout: 20,
		StatsInterval:  time.Minute,
		Logger:         discardLogger(),
	})

	if w.concurrency != 4 || w.batchSize != 3 || w.receiveTimeout != 20 || w.statsInterval != time.Minute {
		t.Errorf("config not applied: %+v", w)
	}
}

func TestWorker_SettlesEachOutcome(t *testing.T) {
	q := mocks.NewMockWorkQueue()
	ds := enqueue(t, q, "ok.json", "throttled.json", "broken.json")

	proc := &fakeProcessor{fn: func(items []domain.WorkItemMessage) (*domain.BatchResult, error) {
		result := &domain.BatchResult{RunID: "run-1"}
		result.Add(domain.ItemOutcome{ItemID: "ok", Success: true})
		result.Add(domain.ItemOutcome{ItemID: "throttled", Error: "llm_processing: throttled", Retryable: true})
		result.Add(domain.ItemOutcome{ItemID: "broken", Error: "data_access: malformed record"})
		return result, nil
	}}
	w := NewWorker(WorkerConfig{Queue: q, Processor: proc, Logger: discardLogger()})

	w.processDeliveries(context.Background(), receive(t, q, 10), w.logger)

	if acked := q.Acked(); len(acked) != 1 || acked[0] != ds[0].ID {
		t.Errorf("expected %s acked, got %v", ds[0].ID, acked)
	}
	if reason, ok := q.NackReason(ds[1].ID); !ok || reason != "llm_processing: throttled" {
		t.Errorf("expected retryable item nacked, got %q (%v)", reason, ok)
	}
	if _, ok := q.DeadReason(ds[1].ID); ok {
		t.Error("retryable item on its first attempt should not be dead-lettered")
	}
	if reason, ok := q.DeadReason(ds[2].ID); !ok || reason != "data_access: malformed record" {
		t.Errorf("expected non-retryable item dead-lettered, got %q (%v)", reason, ok)
	}
}

func TestWorker_MessageIDsCarryDeliveryIDs(t *testing.T) {
	q := mocks.NewMockWorkQueue()
	ds := enqueue(t, q, "a.json")
	proc := &fakeProcessor{}
	w := NewWorker(WorkerConfig{Queue: q, Processor: proc, Logger: discardLogger()})

	w.processDeliveries(context.Background(), receive(t, q, 10), w.logger)

	calls := proc.calls()
	if len(calls) != 1 || len(calls[0]) != 1 {
		t.Fatalf("expected one batch of one item, got %v", calls)
	}
	if calls[0][0].MessageID != ds[0].ID {
		t.Errorf("expected message id %s, got %s", ds[0].ID, calls[0][0].MessageID)
	}
}

func TestWorker_MalformedDeliveryIsDeadLettered(t *testing.T) {
	q := mocks.NewMockWorkQueue()
	ds := enqueue(t, q, "good.json", "notes.txt")
	proc := &fakeProcessor{}
	w := NewWorker(WorkerConfig{Queue: q, Processor: proc, Logger: discardLogger()})

	w.processDeliveries(context.Background(), receive(t, q, 10), w.logger)

	calls := proc.calls()
	if len(calls) != 1 || len(calls[0]) != 1 || calls[0][0].StorageRef.Key != "good.json" {
		t.Fatalf("expected only the valid item processed, got %v", calls)
	}
	if _, ok := q.DeadReason(ds[1].ID); !ok {
		t.Error("expected malformed delivery dead-lettered")
	}
	if acked := q.Acked(); len(acked) != 1 || acked[0] != ds[0].ID {
		t.Errorf("expected valid delivery acked, got %v", acked)
	}
}

func TestWorker_OnlyMalformedSkipsProcessor(t *testing.T) {
	q := mocks.NewMockWorkQueue()
	enqueue(t, q, "notes.txt")
	proc := &fakeProcessor{}
	w := NewWorker(WorkerConfig{Queue: q, Processor: proc, Logger: discardLogger()})

	w.processDeliveries(context.Background(), receive(t, q, 10), w.logger)

	if calls := proc.calls(); len(calls) != 0 {
		t.Errorf("expected processor not called, got %d calls", len(calls))
	}
}

func TestWorker_RejectedBatchIsNacked(t *testing.T) {
	q := mocks.NewMockWorkQueue()
	ds := enqueue(t, q, "a.json", "b.json")
	proc := &fakeProcessor{fn: func([]domain.WorkItemMessage) (*domain.BatchResult, error) {
		return nil, errors.New("coordinator unavailable")
	}}
	w := NewWorker(WorkerConfig{Queue: q, Processor: proc, Logger: discardLogger()})

	w.processDeliveries(context.Background(), receive(t, q, 10), w.logger)

	for _, d := range ds {
		if reason, ok := q.NackReason(d.ID); !ok || reason != "coordinator unavailable" {
			t.Errorf("expected %s nacked, got %q (%v)", d.ID, reason, ok)
		}
	}
}

func TestWorker_MissingOutcomeIsNacked(t *testing.T) {
	q := mocks.NewMockWorkQueue()
	ds := enqueue(t, q, "a.json", "b.json")
	proc := &fakeProcessor{fn: func([]domain.WorkItemMessage) (*domain.BatchResult, error) {
		result := &domain.BatchResult{}
		result.Add(domain.ItemOutcome{ItemID: "a", Success: true})
		return result, nil
	}}
	w := NewWorker(WorkerConfig{Queue: q, Processor: proc, Logger: discardLogger()})

	w.processDeliveries(context.Background(), receive(t, q, 10), w.logger)

	if _, ok := q.NackReason(ds[1].ID); !ok {
		t.Error("expected delivery without an outcome to be nacked")
	}
}

func TestWorker_SettlesAfterCancellation(t *testing.T) {
	q := mocks.NewMockWorkQueue()
	ds := enqueue(t, q, "a.json")
	w := NewWorker(WorkerConfig{Queue: q, Processor: &fakeProcessor{}, Logger: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	deliveries := receive(t, q, 10)
	cancel()

	w.processDeliveries(ctx, deliveries, w.logger)

	if acked := q.Acked(); len(acked) != 1 || acked[0] != ds[0].ID {
		t.Errorf("expected ack despite cancelled loop context, got %v", acked)
	}
}

func TestWorker_ProcessLoop_EndToEnd(t *testing.T) {
	q := mocks.NewMockWorkQueue()
	ds := enqueue(t, q, "a.json", "b.json", "c.json")
	proc := &fakeProcessor{}
	w := NewWorker(WorkerConfig{
		Queue:       pacedQueue{q},
		Processor:   proc,
		BatchSize:   2,
		Concurrency: 2,
		Logger:      discardLogger(),
	})

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return len(q.Acked()) == len(ds) })
	w.Stop()

	for _, batch := range proc.calls() {
		if len(batch) > 2 {
			t.Errorf("batch exceeded batch size: %d", len(batch))
		}
	}
}

func TestWorker_StartStop(t *testing.T) {
	w := NewWorker(WorkerConfig{Queue: pacedQueue{mocks.NewMockWorkQueue()}, Processor: &fakeProcessor{}, Logger: discardLogger()})

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Second start is a no-op
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if !w.Health(context.Background()).Running {
		t.Error("expected running")
	}

	w.Stop()
	w.Stop()

	if w.Health(context.Background()).Running {
		t.Error("expected stopped")
	}
}

func TestWorker_ContextCancellation(t *testing.T) {
	w := NewWorker(WorkerConfig{Queue: pacedQueue{mocks.NewMockWorkQueue()}, Processor: &fakeProcessor{}, Logger: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}

func TestWorker_ReceiveErrorBacksOff(t *testing.T) {
	q := mocks.NewMockWorkQueue()
	var calls atomic.Int32
	q.ReceiveFn = func(int) ([]*domain.Delivery, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	}
	w := NewWorker(WorkerConfig{Queue: q, Processor: &fakeProcessor{}, Logger: discardLogger()})
	w.errorBackoff = 10 * time.Millisecond

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return calls.Load() >= 3 })
	w.Stop()
}

func TestWorker_PublishesQueueStats(t *testing.T) {
	q := mocks.NewMockWorkQueue()
	enqueue(t, q, "a.json", "b.json")
	rec := &statsRecorder{}
	w := NewWorker(WorkerConfig{
		Queue:         q,
		Processor:     &fakeProcessor{},
		Stats:         rec,
		StatsInterval: 10 * time.Millisecond,
		Logger:        discardLogger(),
	})

	w.publishStats(context.Background())

	if rec.calls.Load() != 1 {
		t.Fatalf("expected one stats call, got %d", rec.calls.Load())
	}
	if got := rec.last.Load().PendingCount; got != 2 {
		t.Errorf("expected 2 pending, got %d", got)
	}
}

func TestWorker_Health(t *testing.T) {
	q := mocks.NewMockWorkQueue()
	w := NewWorker(WorkerConfig{Queue: q, Processor: &fakeProcessor{}, Logger: discardLogger()})

	health := w.Health(context.Background())
	if health.Running {
		t.Error("expected not running")
	}
	if !health.QueueHealth {
		t.Error("expected healthy queue")
	}

	q.PingFn = func() error { return errors.New("redis down") }
	health = w.Health(context.Background())
	if health.QueueHealth {
		t.Error("expected unhealthy queue")
	}
	if health.Error != "redis down" {
		t.Errorf("expected error 'redis down', got %q", health.Error)
	}
}
