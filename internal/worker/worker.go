package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driving"
)

// settleTimeout bounds ack/nack calls made after the loop context ends
const settleTimeout = 10 * time.Second

// StatsRecorder receives periodic queue snapshots (optional).
type StatsRecorder interface {
	QueueStats(stats *driven.QueueStats)
}

// Worker pulls batches of work items from the queue and runs the pipeline.
// Each delivery is acked on success, nacked when the item failed with a
// retryable error and dead-lettered otherwise.
type Worker struct {
	queue     driven.WorkQueue
	processor driving.BatchProcessor
	stats     StatsRecorder
	logger    *slog.Logger

	// Configuration
	concurrency    int
	batchSize      int
	receiveTimeout int // seconds
	statsInterval  time.Duration
	errorBackoff   time.Duration

	// Internal state
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// WorkerConfig holds configuration for the worker.
type WorkerConfig struct {
	Queue     driven.WorkQueue
	Processor driving.BatchProcessor
	Stats     StatsRecorder
	Logger    *slog.Logger

	Concurrency    int           // Number of concurrent batch loops
	BatchSize      int           // Deliveries received per batch
	ReceiveTimeout int           // Seconds to wait for work before checking again
	StatsInterval  time.Duration // How often queue stats are published (default 15s)
}

// NewWorker creates a new pipeline worker.
func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	receiveTimeout := cfg.ReceiveTimeout
	if receiveTimeout <= 0 {
		receiveTimeout = 5
	}

	statsInterval := cfg.StatsInterval
	if statsInterval <= 0 {
		statsInterval = 15 * time.Second
	}

	return &Worker{
		queue:          cfg.Queue,
		processor:      cfg.Processor,
		stats:          cfg.Stats,
		logger:         logger,
		concurrency:    concurrency,
		batchSize:      batchSize,
		receiveTimeout: receiveTimeout,
		statsInterval:  statsInterval,
		errorBackoff:   time.Second,
	}
}

// Start begins the worker loops.
// They run until Stop is called or ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	w.logger.Info("worker starting",
		"concurrency", w.concurrency,
		"batch_size", w.batchSize,
		"receive_timeout", w.receiveTimeout,
	)

	// Loops see a context that ends on Stop as well as on ctx
	loopCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-w.stopCh:
		case <-loopCtx.Done():
		}
		cancel()
	}()

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			w.processLoop(loopCtx, workerID)
		}(i)
	}

	if w.stats != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.statsLoop(loopCtx)
		}()
	}

	go func() {
		wg.Wait()
		cancel()
		close(w.doneCh)
	}()

	return nil
}

// Stop cancels the loops and waits for them. Items cut short by the
// cancellation are reported retryable and nacked for redelivery.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.mu.Unlock()

	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("worker stopped")
}

// Wait blocks until the worker stops.
func (w *Worker) Wait() {
	w.mu.RLock()
	done := w.doneCh
	w.mu.RUnlock()
	if done != nil {
		<-done
	}
}

// processLoop is the main processing loop for a worker goroutine.
func (w *Worker) processLoop(ctx context.Context, workerID int) {
	logger := w.logger.With("worker_id", workerID)
	logger.Info("worker goroutine started")

	for {
		if ctx.Err() != nil {
			logger.Info("worker goroutine stopping")
			return
		}

		deliveries, err := w.queue.ReceiveBatch(ctx, w.batchSize, w.receiveTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			logger.Error("failed to receive work items", "error", err)
			w.sleep(ctx, w.errorBackoff)
			continue
		}

		if len(deliveries) == 0 {
			continue
		}

		w.processDeliveries(ctx, deliveries, logger)
	}
}

// processDeliveries runs one received batch and settles every delivery.
// Messages that fail validation on their own are dead-lettered so that one
// malformed delivery cannot hold back the rest of the batch.
func (w *Worker) processDeliveries(ctx context.Context, deliveries []*domain.Delivery, logger *slog.Logger) {
	valid := make([]*domain.Delivery, 0, len(deliveries))
	for _, d := range deliveries {
		if err := d.Message.Validate(); err != nil {
			reason := fmt.Sprintf("%v: %v", domain.ErrMalformedBatch, err)
			logger.Warn("dead-lettering malformed work item", "delivery_id", d.ID, "error", err)
			w.settle(ctx, logger, d, func(ctx context.Context) error {
				return w.queue.DeadLetter(ctx, d.ID, reason)
			})
			continue
		}
		valid = append(valid, d)
	}
	if len(valid) == 0 {
		return
	}

	msgs := make([]domain.WorkItemMessage, len(valid))
	for i, d := range valid {
		msgs[i] = d.Message
		if msgs[i].MessageID == "" {
			msgs[i].MessageID = d.ID
		}
	}

	start := time.Now()
	result, err := w.processor.ProcessBatch(ctx, msgs)
	if err != nil {
		// Every message validated above, so this is unexpected; retry later
		logger.Error("batch rejected", "deliveries", len(valid), "error", err)
		for _, d := range valid {
			w.settle(ctx, logger, d, func(ctx context.Context) error {
				return w.queue.Nack(ctx, d.ID, err.Error())
			})
		}
		return
	}

	for i, d := range valid {
		if i >= len(result.Items) {
			w.settle(ctx, logger, d, func(ctx context.Context) error {
				return w.queue.Nack(ctx, d.ID, "no outcome reported")
			})
			continue
		}
		outcome := result.Items[i]
		switch {
		case outcome.Success:
			w.settle(ctx, logger, d, func(ctx context.Context) error {
				return w.queue.Ack(ctx, d.ID)
			})
		case outcome.Retryable:
			w.settle(ctx, logger, d, func(ctx context.Context) error {
				return w.queue.Nack(ctx, d.ID, outcome.Error)
			})
		default:
			w.settle(ctx, logger, d, func(ctx context.Context) error {
				return w.queue.DeadLetter(ctx, d.ID, outcome.Error)
			})
		}
	}

	logger.Info("batch settled",
		"run_id", result.RunID,
		"total", result.Total,
		"successful", result.Successful,
		"failed", result.Failed,
		"duration", time.Since(start),
	)
}

// settle runs a queue call on a context that survives loop shutdown, so a
// finished item is still acked after Stop.
func (w *Worker) settle(ctx context.Context, logger *slog.Logger, d *domain.Delivery, fn func(context.Context) error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err := fn(sctx); err != nil {
		logger.Error("failed to settle delivery", "delivery_id", d.ID, "error", err)
	}
}

func (w *Worker) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(w.statsInterval)
	defer ticker.Stop()

	for {
		w.publishStats(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) publishStats(ctx context.Context) {
	stats, err := w.queue.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("failed to read queue stats", "error", err)
		}
		return
	}
	w.stats.QueueStats(stats)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Health reports worker and queue status.
type Health struct {
	Running     bool   `json:"running"`
	QueueHealth bool   `json:"queue_health"`
	Error       string `json:"error,omitempty"`
}

// Health returns the health status of the worker.
func (w *Worker) Health(ctx context.Context) Health {
	w.mu.RLock()
	running := w.running
	w.mu.RUnlock()

	health := Health{
		Running: running,
	}

	if err := w.queue.Ping(ctx); err != nil {
		health.QueueHealth = false
		health.Error = err.Error()
	} else {
		health.QueueHealth = true
	}

	return health
}
