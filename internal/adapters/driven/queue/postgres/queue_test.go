package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
)

func setupQueue(t *testing.T, cfg Config) (*Queue, *sql.DB) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	url := os.Getenv("BIDMATCH_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("skipping integration test - BIDMATCH_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := sql.Open("postgres", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	if err := db.PingContext(ctx); err != nil {
		t.Skipf("skipping integration test - database not available: %v", err)
	}

	_, err = db.ExecContext(ctx, CreateWorkItemsTableSQL)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "TRUNCATE TABLE work_items")
	require.NoError(t, err)

	return NewQueue(db, cfg), db
}

func TestQueue_ReceiveAckNack(t *testing.T) {
	q, _ := setupQueue(t, Config{})
	ctx := context.Background()

	d := domain.NewDelivery(domain.NewWorkItemMessage("opps", "2026/abc.json"))
	require.NoError(t, q.Enqueue(ctx, d))

	got, err := q.ReceiveBatch(ctx, 5, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, d.ID, got[0].ID)
	assert.Equal(t, 1, got[0].Attempts)
	assert.Equal(t, "2026/abc.json", got[0].Message.StorageRef.Key)

	require.NoError(t, q.Nack(ctx, d.ID, "throttled"))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.ScheduledCount)

	again, err := q.ReceiveBatch(ctx, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, q.Ack(ctx, d.ID))
	assert.ErrorIs(t, q.Ack(ctx, d.ID), domain.ErrNotFound)
}

func TestQueue_NackExhaustedDeadLetters(t *testing.T) {
	q, _ := setupQueue(t, Config{})
	ctx := context.Background()

	d := domain.NewDelivery(domain.NewWorkItemMessage("opps", "poison.json"))
	d.MaxAttempts = 1
	require.NoError(t, q.EnqueueBatch(ctx, []*domain.Delivery{d}))

	_, err := q.ReceiveBatch(ctx, 1, 0)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, d.ID, "still failing"))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.DeadCount)
	assert.EqualValues(t, 0, stats.ProcessingCount)
}

func TestQueue_ReclaimsAfterVisibilityTimeout(t *testing.T) {
	q, _ := setupQueue(t, Config{VisibilityTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	d := domain.NewDelivery(domain.NewWorkItemMessage("opps", "abandoned.json"))
	require.NoError(t, q.Enqueue(ctx, d))

	_, err := q.ReceiveBatch(ctx, 1, 0)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	got, err := q.ReceiveBatch(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Attempts)
}
