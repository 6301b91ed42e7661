package driven

import (
	"context"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
)

// RetrieveRequest is a single knowledge base query.
type RetrieveRequest struct {
	// KnowledgeBaseID selects the company knowledge base
	KnowledgeBaseID string

	// Query is the free-text retrieval query
	Query string

	// MaxResults bounds the number of snippets returned
	MaxResults int
}

// KnowledgeBase retrieves ranked company-capability snippets.
type KnowledgeBase interface {
	// Retrieve returns snippets ordered by descending relevance.
	// An empty result is valid and is not an error.
	Retrieve(ctx context.Context, req RetrieveRequest) ([]domain.KnowledgeSnippet, error)

	// HealthCheck verifies the knowledge base is reachable
	HealthCheck(ctx context.Context) error
}
