package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

const (
	// Stream names
	itemStream     = "bidmatch:items"
	itemGroup      = "bidmatch:workers"
	scheduledItems = "bidmatch:scheduled"
	deadItems      = "bidmatch:dead"

	// Key prefixes
	deliveryKeyPrefix = "bidmatch:delivery:"

	// Default consumer name prefix
	consumerPrefix = "worker-"

	// Default claim timeout - how long before a delivery is considered abandoned
	defaultClaimTimeout = 15 * time.Minute

	deliveryTTL = 24 * time.Hour
	deadTTL     = 7 * 24 * time.Hour
)

// Verify interface compliance
var _ driven.WorkQueue = (*Queue)(nil)

// Queue implements WorkQueue using Redis Streams.
// A consumer group tracks in-flight deliveries, a sorted set holds
// deliveries waiting out a redelivery backoff, and a list records
// dead-lettered delivery IDs.
type Queue struct {
	client       *redis.Client
	consumerName string
	claimTimeout time.Duration
}

// Config holds Queue options.
type Config struct {
	// ConsumerName should be unique per worker instance (e.g., hostname + PID)
	ConsumerName string

	// ClaimTimeout is the idle time after which another consumer may take
	// over an unacknowledged delivery
	ClaimTimeout time.Duration
}

// NewQueue creates a new Redis-backed work queue.
func NewQueue(ctx context.Context, client *redis.Client, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = fmt.Sprintf("%s%d", consumerPrefix, time.Now().UnixNano())
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = defaultClaimTimeout
	}

	q := &Queue{
		client:       client,
		consumerName: cfg.ConsumerName,
		claimTimeout: cfg.ClaimTimeout,
	}

	// Create consumer group if it doesn't exist
	err := q.client.XGroupCreateMkStream(ctx, itemStream, itemGroup, "0").Err()
	if err != nil && !isGroupExistsError(err) {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return q, nil
}

// Enqueue adds a delivery to the queue for processing.
func (q *Queue) Enqueue(ctx context.Context, d *domain.Delivery) error {
	if d == nil {
		return errors.New("delivery is required")
	}
	return q.EnqueueBatch(ctx, []*domain.Delivery{d})
}

// EnqueueBatch adds multiple deliveries in one transaction.
func (q *Queue) EnqueueBatch(ctx context.Context, ds []*domain.Delivery) error {
	if len(ds) == 0 {
		return nil
	}

	pipe := q.client.TxPipeline()
	now := time.Now()

	for _, d := range ds {
		if d == nil {
			continue
		}
		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to marshal delivery %s: %w", d.ID, err)
		}

		pipe.Set(ctx, deliveryKeyPrefix+d.ID, data, deliveryTTL)
		if d.ScheduledFor.After(now) {
			pipe.ZAdd(ctx, scheduledItems, redis.Z{
				Score:  float64(d.ScheduledFor.UnixMilli()),
				Member: d.ID,
			})
		} else {
			pipe.XAdd(ctx, streamAdd(d.ID))
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue batch: %w", err)
	}
	return nil
}

func streamAdd(id string) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: itemStream,
		Values: map[string]interface{}{"delivery_id": id},
	}
}

// ReceiveBatch returns up to max deliveries, blocking up to timeoutSec
// seconds for new ones. Abandoned deliveries are reclaimed first.
func (q *Queue) ReceiveBatch(ctx context.Context, max int, timeoutSec int) ([]*domain.Delivery, error) {
	if max <= 0 {
		max = 1
	}

	// Best effort: a failed promotion is retried on the next receive
	_ = q.promoteScheduled(ctx)

	ds, err := q.claimAbandoned(ctx, max)
	if err != nil {
		return nil, err
	}
	if len(ds) > 0 {
		return ds, nil
	}

	block := time.Duration(timeoutSec) * time.Second
	if timeoutSec <= 0 {
		block = -1 // no BLOCK argument: return immediately
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    itemGroup,
		Consumer: q.consumerName,
		Streams:  []string{itemStream, ">"},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*domain.Delivery{}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	ds = []*domain.Delivery{}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			d, err := q.start(ctx, msg)
			if err != nil {
				return nil, err
			}
			if d != nil {
				ds = append(ds, d)
			}
		}
	}
	return ds, nil
}

// start marks the delivery behind msg as processing.
// Messages whose delivery record is gone are dropped.
func (q *Queue) start(ctx context.Context, msg redis.XMessage) (*domain.Delivery, error) {
	id, ok := msg.Values["delivery_id"].(string)
	if !ok {
		q.drop(ctx, msg.ID)
		return nil, nil
	}

	d, err := q.get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			q.drop(ctx, msg.ID)
			return nil, nil
		}
		return nil, err
	}

	d.MarkProcessing()
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal delivery %s: %w", id, err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, deliveryKeyPrefix+id, data, deliveryTTL)
	pipe.Set(ctx, deliveryKeyPrefix+id+":msg", msg.ID, deliveryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to mark delivery %s processing: %w", id, err)
	}
	return d, nil
}

func (q *Queue) drop(ctx context.Context, msgID string) {
	q.client.XAck(ctx, itemStream, itemGroup, msgID)
	q.client.XDel(ctx, itemStream, msgID)
}

// Ack removes a successfully processed delivery.
func (q *Queue) Ack(ctx context.Context, id string) error {
	if _, err := q.get(ctx, id); err != nil {
		return err
	}

	pipe := q.client.Pipeline()
	q.releaseMessage(ctx, pipe, id)
	pipe.Del(ctx, deliveryKeyPrefix+id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack delivery: %w", err)
	}
	return nil
}

// Nack schedules redelivery with backoff, or dead-letters the delivery once
// its attempts are exhausted.
func (q *Queue) Nack(ctx context.Context, id string, reason string) error {
	d, err := q.get(ctx, id)
	if err != nil {
		return err
	}
	if !d.CanRetry() {
		return q.deadLetter(ctx, d, reason)
	}

	d.Retry(reason)
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery %s: %w", id, err)
	}

	pipe := q.client.TxPipeline()
	q.releaseMessage(ctx, pipe, id)
	pipe.Set(ctx, deliveryKeyPrefix+id, data, deliveryTTL)
	pipe.ZAdd(ctx, scheduledItems, redis.Z{
		Score:  float64(d.ScheduledFor.UnixMilli()),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to nack delivery: %w", err)
	}
	return nil
}

// DeadLetter moves the delivery to the dead-letter list without retry.
func (q *Queue) DeadLetter(ctx context.Context, id string, reason string) error {
	d, err := q.get(ctx, id)
	if err != nil {
		return err
	}
	return q.deadLetter(ctx, d, reason)
}

func (q *Queue) deadLetter(ctx context.Context, d *domain.Delivery, reason string) error {
	d.MarkDead(reason)
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery %s: %w", d.ID, err)
	}

	pipe := q.client.TxPipeline()
	q.releaseMessage(ctx, pipe, d.ID)
	pipe.ZRem(ctx, scheduledItems, d.ID)
	pipe.Set(ctx, deliveryKeyPrefix+d.ID, data, deadTTL)
	pipe.LPush(ctx, deadItems, d.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to dead-letter delivery: %w", err)
	}
	return nil
}

// releaseMessage queues the ack and delete of the stream entry for id.
func (q *Queue) releaseMessage(ctx context.Context, pipe redis.Pipeliner, id string) {
	msgID, err := q.client.Get(ctx, deliveryKeyPrefix+id+":msg").Result()
	if err == nil && msgID != "" {
		pipe.XAck(ctx, itemStream, itemGroup, msgID)
		pipe.XDel(ctx, itemStream, msgID)
	}
	pipe.Del(ctx, deliveryKeyPrefix+id+":msg")
}

// Get returns a stored delivery by ID.
func (q *Queue) Get(ctx context.Context, id string) (*domain.Delivery, error) {
	return q.get(ctx, id)
}

func (q *Queue) get(ctx context.Context, id string) (*domain.Delivery, error) {
	data, err := q.client.Get(ctx, deliveryKeyPrefix+id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("delivery %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}

	var d domain.Delivery
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delivery: %w", err)
	}
	return &d, nil
}

// DeadLetters returns up to limit dead-lettered delivery IDs, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.client.LRange(ctx, deadItems, 0, limit-1).Result()
}

// Stats returns queue statistics.
func (q *Queue) Stats(ctx context.Context) (*driven.QueueStats, error) {
	stats := &driven.QueueStats{}

	length, err := q.client.XLen(ctx, itemStream).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get stream length: %w", err)
	}

	pending, err := q.client.XPending(ctx, itemStream, itemGroup).Result()
	if err != nil && !errors.Is(err, redis.Nil) && !isStreamNotExistsError(err) {
		return nil, fmt.Errorf("failed to get pending entries: %w", err)
	}
	if pending != nil {
		stats.ProcessingCount = pending.Count
	}
	stats.PendingCount = length - stats.ProcessingCount

	if stats.ScheduledCount, err = q.client.ZCard(ctx, scheduledItems).Result(); err != nil {
		return nil, fmt.Errorf("failed to get scheduled count: %w", err)
	}
	if stats.DeadCount, err = q.client.LLen(ctx, deadItems).Result(); err != nil {
		return nil, fmt.Errorf("failed to get dead-letter count: %w", err)
	}

	return stats, nil
}

// Ping checks if the queue backend is healthy.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close cleans up resources.
func (q *Queue) Close() error {
	// Redis client is shared, don't close it here
	return nil
}

// promoteScheduled moves due deliveries from the backoff set to the stream.
func (q *Queue) promoteScheduled(ctx context.Context) error {
	due, err := q.client.ZRangeByScore(ctx, scheduledItems, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range due {
		// ZRem decides the winner when several consumers promote at once
		removed, err := q.client.ZRem(ctx, scheduledItems, id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.XAdd(ctx, streamAdd(id)).Err(); err != nil {
			return err
		}
	}
	return nil
}

// claimAbandoned takes over deliveries another consumer left unacknowledged
// for longer than the claim timeout.
func (q *Queue) claimAbandoned(ctx context.Context, max int) ([]*domain.Delivery, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: itemStream,
		Group:  itemGroup,
		Start:  "-",
		End:    "+",
		Count:  int64(max),
		Idle:   q.claimTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   itemStream,
		Group:    itemGroup,
		Consumer: q.consumerName,
		MinIdle:  q.claimTimeout,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending entries: %w", err)
	}

	ds := make([]*domain.Delivery, 0, len(claimed))
	for _, msg := range claimed {
		d, err := q.start(ctx, msg)
		if err != nil {
			return nil, err
		}
		if d != nil {
			ds = append(ds, d)
		}
	}
	return ds, nil
}

// Helper functions

func isGroupExistsError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isStreamNotExistsError(err error) bool {
	return err != nil && (err.Error() == "ERR no such key" ||
		strings.Contains(err.Error(), "NOGROUP"))
}
