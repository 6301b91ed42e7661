package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.DistributedLock = (*Lock)(nil)

const lockPrefix = "bidmatch:lock:"

// minLockTTL keeps a zero or tiny TTL from creating a lock that never expires
// or expires before the holder can use it.
const minLockTTL = time.Second

// Lock implements DistributedLock using Redis SET NX PX.
// The value is a per-instance owner ID, so only the holder can release or
// extend a lock.
type Lock struct {
	client  *redis.Client
	ownerID string
}

// NewLock creates a new Redis-backed distributed lock.
func NewLock(client *redis.Client) *Lock {
	hostname, _ := os.Hostname()
	return &Lock{
		client:  client,
		ownerID: fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), uuid.NewString()),
	}
}

// Acquire attempts to take the named lock for ttl.
// Returns false without error when another instance holds it.
func (l *Lock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if ttl < minLockTTL {
		ttl = minLockTTL
	}
	ok, err := l.client.SetNX(ctx, lockPrefix+name, l.ownerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

// ownedScript runs an operation on KEYS[1] only when it holds ARGV[1].
// ARGV[2] selects the operation: "del" or "pexpire" with ARGV[3] ms.
var ownedScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) ~= ARGV[1] then
		return 0
	end
	if ARGV[2] == "del" then
		return redis.call("del", KEYS[1])
	end
	return redis.call("pexpire", KEYS[1], ARGV[3])
`)

// Release drops the lock if this instance holds it.
// Releasing an expired or foreign lock is a no-op.
func (l *Lock) Release(ctx context.Context, name string) error {
	err := ownedScript.Run(ctx, l.client, []string{lockPrefix + name}, l.ownerID, "del", 0).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// Extend resets the TTL of a lock this instance holds.
// Returns an error wrapping domain.ErrItemLocked when it does not hold it.
func (l *Lock) Extend(ctx context.Context, name string, ttl time.Duration) error {
	if ttl < minLockTTL {
		ttl = minLockTTL
	}
	n, err := ownedScript.Run(ctx, l.client, []string{lockPrefix + name}, l.ownerID, "pexpire", ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("extend lock %s: %w", name, domain.ErrItemLocked)
	}
	return nil
}

// Holder returns the owner ID currently holding the lock, or "" if free.
func (l *Lock) Holder(ctx context.Context, name string) (string, error) {
	owner, err := l.client.Get(ctx, lockPrefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lock %s: %w", name, err)
	}
	return owner, nil
}

// Ping checks if the Redis backend is healthy.
func (l *Lock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// OwnerID returns the identifier this instance writes into its locks.
func (l *Lock) OwnerID() string {
	return l.ownerID
}
