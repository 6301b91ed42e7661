package driven

import (
	"context"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
)

// WorkQueue carries work item messages from the storage event source to the
// pipeline workers with at-least-once delivery.
// Implementations can use Redis Streams (preferred) or Postgres (fallback).
type WorkQueue interface {
	// Enqueue adds a delivery to the queue.
	Enqueue(ctx context.Context, d *domain.Delivery) error

	// EnqueueBatch adds multiple deliveries to the queue atomically.
	EnqueueBatch(ctx context.Context, ds []*domain.Delivery) error

	// ReceiveBatch returns up to max ready deliveries, waiting up to
	// timeoutSec seconds for the first one. Returned deliveries are marked
	// processing and are invisible to other consumers until acked, nacked
	// or abandoned. Returns an empty slice when the timeout passes.
	ReceiveBatch(ctx context.Context, max int, timeoutSec int) ([]*domain.Delivery, error)

	// Ack removes a successfully processed delivery.
	Ack(ctx context.Context, id string) error

	// Nack schedules the delivery for redelivery with backoff.
	// Once attempts are exhausted the delivery is dead-lettered instead.
	Nack(ctx context.Context, id string, reason string) error

	// DeadLetter moves the delivery to the dead-letter store without retry.
	DeadLetter(ctx context.Context, id string, reason string) error

	// Stats returns queue statistics.
	Stats(ctx context.Context) (*QueueStats, error)

	// Ping checks if the queue backend is healthy.
	Ping(ctx context.Context) error

	// Close cleans up resources.
	Close() error
}

// QueueStats contains queue statistics
type QueueStats struct {
	// PendingCount is the number of deliveries waiting to be processed
	PendingCount int64 `json:"pending_count"`

	// ProcessingCount is the number of deliveries currently being processed
	ProcessingCount int64 `json:"processing_count"`

	// ScheduledCount is the number of deliveries waiting out a redelivery backoff
	ScheduledCount int64 `json:"scheduled_count"`

	// DeadCount is the number of dead-lettered deliveries
	DeadCount int64 `json:"dead_count"`
}
