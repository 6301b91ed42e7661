package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driving"
)

// Verify interface compliance
var _ driving.WorkItemIntake = (*intakeService)(nil)

// intakeService queues storage events for the pipeline workers.
type intakeService struct {
	queue       driven.WorkQueue
	maxAttempts int
	logger      *slog.Logger
}

// NewIntakeService creates a WorkItemIntake backed by queue.
// maxAttempts <= 0 uses domain.DefaultMaxDeliveryAttempts.
func NewIntakeService(queue driven.WorkQueue, maxAttempts int, logger *slog.Logger) driving.WorkItemIntake {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxDeliveryAttempts
	}
	return &intakeService{queue: queue, maxAttempts: maxAttempts, logger: logger}
}

func (s *intakeService) Submit(ctx context.Context, items []domain.WorkItemMessage) ([]string, error) {
	if err := domain.ValidateBatch(items); err != nil {
		return nil, err
	}

	deliveries := make([]*domain.Delivery, len(items))
	ids := make([]string, len(items))
	for i, msg := range items {
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = time.Now().UTC()
		}
		d := domain.NewDelivery(msg)
		d.MaxAttempts = s.maxAttempts
		deliveries[i] = d
		ids[i] = d.ID
	}

	if err := s.queue.EnqueueBatch(ctx, deliveries); err != nil {
		return nil, fmt.Errorf("enqueue work items: %w", err)
	}
	s.logger.Info("work items queued", "count", len(ids))
	return ids, nil
}
