package driving

import (
	"context"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
)

// BatchProcessor runs the opportunity matching pipeline over a batch of
// work item messages.
type BatchProcessor interface {
	// ProcessBatch validates the batch, then processes each item in order.
	// Returns an error (wrapping domain.ErrMalformedBatch) only when the
	// batch fails validation; per-item failures are reported in the result.
	ProcessBatch(ctx context.Context, items []domain.WorkItemMessage) (*domain.BatchResult, error)
}
