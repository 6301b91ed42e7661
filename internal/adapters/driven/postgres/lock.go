package postgres

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.DistributedLock = (*LeaseLock)(nil)

// LeaseLock implements DistributedLock with rows in item_locks.
//
// Session advisory locks belong to one connection, which a pooled *sql.DB
// does not pin, so locks here are leases: a row with an owner and an expiry.
// An expired lease can be taken over by any instance.
type LeaseLock struct {
	db      *DB
	ownerID string
}

// NewLeaseLock creates a new PostgreSQL lease lock adapter.
func NewLeaseLock(db *DB) *LeaseLock {
	hostname, _ := os.Hostname()
	return &LeaseLock{
		db:      db,
		ownerID: fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), uuid.NewString()),
	}
}

// OwnerID returns the identity written into leases held by this instance.
func (l *LeaseLock) OwnerID() string {
	return l.ownerID
}

// Acquire takes the lease if it is free, expired, or already ours.
func (l *LeaseLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if ttl < time.Second {
		ttl = time.Second
	}
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO item_locks (name, owner, expires_at)
		VALUES ($1, $2, NOW() + $3::interval)
		ON CONFLICT (name) DO UPDATE SET
			owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at
		WHERE item_locks.expires_at < NOW() OR item_locks.owner = EXCLUDED.owner
	`, name, l.ownerID, interval(ttl))
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return n == 1, nil
}

// Release deletes the lease if this instance holds it.
func (l *LeaseLock) Release(ctx context.Context, name string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM item_locks WHERE name = $1 AND owner = $2`,
		name, l.ownerID,
	)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// Extend pushes out the expiry of a held, unexpired lease.
func (l *LeaseLock) Extend(ctx context.Context, name string, ttl time.Duration) error {
	if ttl < time.Second {
		ttl = time.Second
	}
	res, err := l.db.ExecContext(ctx, `
		UPDATE item_locks SET expires_at = NOW() + $3::interval
		WHERE name = $1 AND owner = $2 AND expires_at >= NOW()
	`, name, l.ownerID, interval(ttl))
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("extend lock %s: %w", name, domain.ErrItemLocked)
	}
	return nil
}

// Ping checks if the PostgreSQL backend is healthy.
func (l *LeaseLock) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// interval renders d as a Postgres interval literal in milliseconds.
func interval(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}
