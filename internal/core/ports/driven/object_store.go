package driven

import (
	"context"
)

// ObjectInfo describes one stored object returned by List.
type ObjectInfo struct {
	Key  string
	Size int64
}

// ObjectStore is the durable object storage the pipeline reads opportunity
// records and attachments from, and writes results to.
// Implementations return domain.ErrObjectNotFound and domain.ErrAccessDenied
// (possibly wrapped) for the corresponding storage conditions.
type ObjectStore interface {
	// Get returns the object's bytes.
	Get(ctx context.Context, container, key string) ([]byte, error)

	// List returns objects whose key starts with prefix, sorted by key.
	List(ctx context.Context, container, prefix string) ([]ObjectInfo, error)

	// Put writes an object, replacing any existing object at key.
	Put(ctx context.Context, container, key string, data []byte, contentType string) error

	// Ping checks if the storage backend is reachable.
	Ping(ctx context.Context) error
}
