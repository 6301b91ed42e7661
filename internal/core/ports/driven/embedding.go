package driven

import "context"

// EmbeddingService turns text into vectors for knowledge base search.
// Implementations are safe for concurrent use.
type EmbeddingService interface {
	// Embed returns one vector per text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single retrieval query.
	EmbedQuery(ctx context.Context, query string) ([]float32, error)

	// Dimensions is the length of every returned vector.
	Dimensions() int

	Model() string

	// HealthCheck reports whether the provider answers requests.
	HealthCheck(ctx context.Context) error

	Close() error
}
