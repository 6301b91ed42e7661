// Package pgvector implements the company knowledge base on PostgreSQL with
// the pgvector extension. Snippets are ranked by cosine similarity to the
// query embedding, with full-text rank as the tie-breaker.
package pgvector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.KnowledgeBase = (*KnowledgeBase)(nil)

// Querier is the subset of *pgxpool.Pool the knowledge base uses.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Schema creates the snippet table. The vector column is untyped so one
// table serves any embedding model; an index needs a fixed dimension and is
// left to deployment.
const Schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS capability_snippets (
    id              TEXT NOT NULL,
    kb_id           TEXT NOT NULL,
    title           TEXT NOT NULL,
    source_location TEXT NOT NULL DEFAULT '',
    content         TEXT NOT NULL,
    embedding       vector,
    search_vector   tsvector GENERATED ALWAYS AS (to_tsvector('english', title || ' ' || content)) STORED,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (kb_id, id)
);

CREATE INDEX IF NOT EXISTS idx_capability_snippets_search ON capability_snippets USING GIN (search_vector);
`

const retrieveSQL = `
SELECT title, source_location, content, COALESCE(1 - (embedding <=> $2), 0) AS relevance
FROM capability_snippets
WHERE kb_id = $1
ORDER BY
    CASE WHEN embedding IS NULL THEN 1 ELSE 0 END ASC,
    embedding <=> $2 ASC,
    ts_rank(search_vector, plainto_tsquery('english', $3)) DESC
LIMIT $4`

const upsertSQL = `
INSERT INTO capability_snippets (id, kb_id, title, source_location, content, embedding, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (kb_id, id) DO UPDATE SET
    title = EXCLUDED.title,
    source_location = EXCLUDED.source_location,
    content = EXCLUDED.content,
    embedding = EXCLUDED.embedding,
    updated_at = NOW()`

// KnowledgeBase implements driven.KnowledgeBase on pgvector
type KnowledgeBase struct {
	db       Querier
	embedder driven.EmbeddingService
	logger   *slog.Logger
}

// Config holds dependencies for KnowledgeBase.
type Config struct {
	DB       Querier
	Embedder driven.EmbeddingService
	Logger   *slog.Logger
}

// NewKnowledgeBase creates a new pgvector knowledge base.
// An embedder is required: ranking is by vector distance.
func NewKnowledgeBase(cfg Config) (*KnowledgeBase, error) {
	if cfg.DB == nil {
		return nil, errors.New("pgvector knowledge base requires a database")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("pgvector knowledge base requires an embedding service")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeBase{db: cfg.DB, embedder: cfg.Embedder, logger: logger}, nil
}

// Connect opens a pool with the vector types registered on every connection.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("error parsing db config: %w", err)
	}

	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("error connecting to db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error pinging db: %w", err)
	}

	return pool, nil
}

// EnsureSchema applies Schema.
func (k *KnowledgeBase) EnsureSchema(ctx context.Context) error {
	if _, err := k.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create knowledge base schema: %w", err)
	}
	return nil
}

// Retrieve embeds the query and returns the nearest snippets in kb
func (k *KnowledgeBase) Retrieve(ctx context.Context, req driven.RetrieveRequest) ([]domain.KnowledgeSnippet, error) {
	if strings.TrimSpace(req.Query) == "" {
		return []domain.KnowledgeSnippet{}, nil
	}
	limit := req.MaxResults
	if limit <= 0 {
		limit = 10
	}

	vec, err := k.embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("pgvector query embedding failed: %w", err)
	}

	rows, err := k.db.Query(ctx, retrieveSQL, req.KnowledgeBaseID, pgvector.NewVector(vec), req.Query, limit)
	if err != nil {
		return nil, fmt.Errorf("pgvector query failed: %w: %v", domain.ErrServiceUnavailable, err)
	}
	defer rows.Close()

	snippets := []domain.KnowledgeSnippet{}
	for rows.Next() {
		var s domain.KnowledgeSnippet
		if err := rows.Scan(&s.Title, &s.SourceLocation, &s.Content, &s.RelevanceScore); err != nil {
			return nil, fmt.Errorf("pgvector scan failed: %w", err)
		}
		snippets = append(snippets, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgvector rows iteration failed: %w", err)
	}

	k.logger.Debug("pgvector retrieve", "kb_id", req.KnowledgeBaseID, "hits", len(snippets))
	return snippets, nil
}

// Document is one capability snippet to index.
type Document struct {
	ID             string
	Title          string
	SourceLocation string
	Content        string
}

// Upsert embeds and stores documents under kbID, replacing same-ID rows.
func (k *KnowledgeBase) Upsert(ctx context.Context, kbID string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Title + "\n" + d.Content
	}
	vectors, err := k.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed documents: %w", err)
	}
	if len(vectors) != len(docs) {
		return fmt.Errorf("embedder returned %d vectors for %d documents", len(vectors), len(docs))
	}

	for i, d := range docs {
		if _, err := k.db.Exec(ctx, upsertSQL, d.ID, kbID, d.Title, d.SourceLocation, d.Content, pgvector.NewVector(vectors[i])); err != nil {
			return fmt.Errorf("failed to upsert document %s: %w", d.ID, err)
		}
	}
	return nil
}

// HealthCheck pings the database
func (k *KnowledgeBase) HealthCheck(ctx context.Context) error {
	return k.db.Ping(ctx)
}
