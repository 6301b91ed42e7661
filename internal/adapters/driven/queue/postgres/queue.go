package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

// Ensure Queue implements WorkQueue
var _ driven.WorkQueue = (*Queue)(nil)

// Delivery states stored in work_items.status
const (
	statusPending    = string(domain.DeliveryStatusPending)
	statusProcessing = string(domain.DeliveryStatusProcessing)
	statusDead       = string(domain.DeliveryStatusDead)
)

// pollInterval is how often ReceiveBatch re-checks an empty queue
const pollInterval = 500 * time.Millisecond

// Queue implements WorkQueue using PostgreSQL with SKIP LOCKED.
// This is the fallback queue when Redis is not available.
type Queue struct {
	db                *sql.DB
	visibilityTimeout time.Duration
}

// Config holds Queue options.
type Config struct {
	// VisibilityTimeout is how long a received item stays invisible before
	// another consumer may reclaim it (default 15m)
	VisibilityTimeout time.Duration
}

// NewQueue creates a new PostgreSQL-backed work queue.
// Assumes the work_items table exists (see CreateWorkItemsTableSQL).
func NewQueue(db *sql.DB, cfg Config) *Queue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 15 * time.Minute
	}
	return &Queue{db: db, visibilityTimeout: cfg.VisibilityTimeout}
}

const insertSQL = `
	INSERT INTO work_items (
		id, message, status, attempts, max_attempts, error,
		created_at, updated_at, scheduled_for
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

// Enqueue adds a delivery to the queue
func (q *Queue) Enqueue(ctx context.Context, d *domain.Delivery) error {
	args, err := insertArgs(d)
	if err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx, insertSQL, args...); err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}
	return nil
}

// EnqueueBatch adds multiple deliveries atomically
func (q *Queue) EnqueueBatch(ctx context.Context, ds []*domain.Delivery) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, d := range ds {
		args, err := insertArgs(d)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert work item %s: %w", d.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func insertArgs(d *domain.Delivery) ([]any, error) {
	msg, err := json.Marshal(d.Message)
	if err != nil {
		return nil, fmt.Errorf("marshal message for %s: %w", d.ID, err)
	}
	return []any{
		d.ID,
		msg,
		string(d.Status),
		d.Attempts,
		d.MaxAttempts,
		d.Error,
		d.CreatedAt,
		d.UpdatedAt,
		d.ScheduledFor,
	}, nil
}

// claimSQL marks up to $2 ready or abandoned items as processing in one
// statement. SKIP LOCKED keeps concurrent consumers from claiming the same row.
const claimSQL = `
	UPDATE work_items
	SET status = 'processing', started_at = NOW(), updated_at = NOW(), attempts = attempts + 1
	WHERE id IN (
		SELECT id FROM work_items
		WHERE (status = 'pending' AND scheduled_for <= NOW())
		   OR (status = 'processing' AND started_at < NOW() - $1::interval)
		ORDER BY scheduled_for ASC, created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	)
	RETURNING id, message, status, attempts, max_attempts, error,
	          created_at, updated_at, started_at, completed_at, scheduled_for
`

// ReceiveBatch claims up to max ready deliveries, polling until timeoutSec passes
func (q *Queue) ReceiveBatch(ctx context.Context, max int, timeoutSec int) ([]*domain.Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(time.Duration(timeoutSec) * time.Second)
	visibility := fmt.Sprintf("%d milliseconds", q.visibilityTimeout.Milliseconds())

	for {
		ds, err := q.claim(ctx, visibility, max)
		if err != nil {
			return nil, err
		}
		if len(ds) > 0 || !time.Now().Before(deadline) {
			return ds, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (q *Queue) claim(ctx context.Context, visibility string, max int) ([]*domain.Delivery, error) {
	rows, err := q.db.QueryContext(ctx, claimSQL, visibility, max)
	if err != nil {
		return nil, fmt.Errorf("claim work items: %w", err)
	}
	defer rows.Close()

	ds := []*domain.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows.Scan)
		if err != nil {
			return nil, err
		}
		ds = append(ds, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate work items: %w", err)
	}
	return ds, nil
}

func scanDelivery(scan func(dest ...any) error) (*domain.Delivery, error) {
	var d domain.Delivery
	var msg []byte
	var status string
	var startedAt, completedAt sql.NullTime

	err := scan(
		&d.ID,
		&msg,
		&status,
		&d.Attempts,
		&d.MaxAttempts,
		&d.Error,
		&d.CreatedAt,
		&d.UpdatedAt,
		&startedAt,
		&completedAt,
		&d.ScheduledFor,
	)
	if err != nil {
		return nil, fmt.Errorf("scan work item: %w", err)
	}
	if err := json.Unmarshal(msg, &d.Message); err != nil {
		return nil, fmt.Errorf("unmarshal message for %s: %w", d.ID, err)
	}
	d.Status = domain.DeliveryStatus(status)
	if startedAt.Valid {
		d.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		d.CompletedAt = &completedAt.Time
	}
	return &d, nil
}

// Ack removes a processed delivery
func (q *Queue) Ack(ctx context.Context, id string) error {
	result, err := q.db.ExecContext(ctx, `DELETE FROM work_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete work item: %w", err)
	}
	return requireRow(result, id)
}

// Nack reschedules the delivery with backoff, or dead-letters it once
// attempts are exhausted
func (q *Queue) Nack(ctx context.Context, id string, reason string) error {
	d, err := q.get(ctx, id)
	if err != nil {
		return err
	}
	if !d.CanRetry() {
		return q.DeadLetter(ctx, id, reason)
	}

	d.Retry(reason)
	_, err = q.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = $1, error = $2, updated_at = $3, scheduled_for = $4
		WHERE id = $5
	`, string(d.Status), d.Error, d.UpdatedAt, d.ScheduledFor, id)
	if err != nil {
		return fmt.Errorf("reschedule work item: %w", err)
	}
	return nil
}

// DeadLetter parks the delivery without further retries
func (q *Queue) DeadLetter(ctx context.Context, id string, reason string) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = $1, error = $2, updated_at = NOW()
		WHERE id = $3
	`, statusDead, reason, id)
	if err != nil {
		return fmt.Errorf("dead-letter work item: %w", err)
	}
	return requireRow(result, id)
}

func (q *Queue) get(ctx context.Context, id string) (*domain.Delivery, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, message, status, attempts, max_attempts, error,
		       created_at, updated_at, started_at, completed_at, scheduled_for
		FROM work_items
		WHERE id = $1
	`, id)
	d, err := scanDelivery(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work item %s: %w", id, domain.ErrNotFound)
	}
	return d, err
}

func requireRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("work item %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Stats returns queue statistics
func (q *Queue) Stats(ctx context.Context) (*driven.QueueStats, error) {
	stats := &driven.QueueStats{}

	err := q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = $1 AND scheduled_for <= NOW()),
			COUNT(*) FILTER (WHERE status = $1 AND scheduled_for > NOW()),
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status = $3)
		FROM work_items
	`, statusPending, statusProcessing, statusDead).Scan(
		&stats.PendingCount,
		&stats.ScheduledCount,
		&stats.ProcessingCount,
		&stats.DeadCount,
	)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	return stats, nil
}

// Ping checks database connectivity
func (q *Queue) Ping(ctx context.Context) error {
	return q.db.PingContext(ctx)
}

// Close is a no-op for the Postgres queue (db connection managed externally)
func (q *Queue) Close() error {
	return nil
}

// CreateWorkItemsTableSQL creates the work_items table
const CreateWorkItemsTableSQL = `
CREATE TABLE IF NOT EXISTS work_items (
    id VARCHAR(64) PRIMARY KEY,
    message JSONB NOT NULL,
    status VARCHAR(20) NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    started_at TIMESTAMP WITH TIME ZONE,
    completed_at TIMESTAMP WITH TIME ZONE,
    scheduled_for TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_work_items_ready ON work_items (status, scheduled_for);
`
