package driving

import (
	"context"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
)

// WorkItemIntake accepts storage events and queues them for the pipeline.
type WorkItemIntake interface {
	// Submit validates the messages and enqueues one delivery per message.
	// Returns the delivery IDs in input order.
	Submit(ctx context.Context, items []domain.WorkItemMessage) ([]string, error)
}
