package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.ObjectStore = (*ObjectStore)(nil)

const defaultContentType = "application/octet-stream"

// ObjectStore implements driven.ObjectStore on the objects table.
// Containers are a column, so one database serves every bucket.
type ObjectStore struct {
	db *DB
}

// NewObjectStore creates a new PostgreSQL-backed object store
func NewObjectStore(db *DB) *ObjectStore {
	return &ObjectStore{db: db}
}

// Get returns the bytes stored at container/key
func (s *ObjectStore) Get(ctx context.Context, container, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM objects WHERE container = $1 AND key = $2`,
		container, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", container, key, domain.ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get object %s/%s: %w", container, key, err)
	}
	return data, nil
}

// List returns objects under prefix ordered by key
func (s *ObjectStore) List(ctx context.Context, container, prefix string) ([]driven.ObjectInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, size FROM objects
		WHERE container = $1 AND key LIKE $2 ESCAPE '\'
		ORDER BY key
	`, container, likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("list objects %s/%s: %w", container, prefix, err)
	}
	defer rows.Close()

	var objects []driven.ObjectInfo
	for rows.Next() {
		var info driven.ObjectInfo
		if err := rows.Scan(&info.Key, &info.Size); err != nil {
			return nil, fmt.Errorf("scan object: %w", err)
		}
		objects = append(objects, info)
	}
	return objects, rows.Err()
}

// Put writes data at container/key, replacing any existing object
func (s *ObjectStore) Put(ctx context.Context, container, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = defaultContentType
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO objects (container, key, data, content_type, size)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (container, key) DO UPDATE SET
			data = EXCLUDED.data,
			content_type = EXCLUDED.content_type,
			size = EXCLUDED.size,
			updated_at = NOW()
	`, container, key, data, contentType, len(data))
	if err != nil {
		return fmt.Errorf("put object %s/%s: %w", container, key, err)
	}
	return nil
}

// Ping checks if the database is reachable
func (s *ObjectStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// likePrefix escapes LIKE metacharacters in prefix and appends the wildcard.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
