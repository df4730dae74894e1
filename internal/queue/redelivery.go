package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maumercado/taskrun-dispatcher/internal/logger"
)

const (
	redeliverySetKey  = "dispatch:redelivery"
	redeliveryLockKey = "dispatch:redelivery:lock"
	redeliveryPollInterval = 1 * time.Second
	redeliveryLockTTL      = 5 * time.Second
)

// Redelivery polls a sorted set of messages due for redelivery and
// re-enqueues each one once its scheduled visibility time has passed: a ZSET
// scored by due-at-unix-time, guarded by a SetNX distributed lock so only
// one process instance runs the poll at a time even when several dispatcher
// replicas share the same Redis.
type Redelivery struct {
	client *redis.Client
	queue  *RedisClient

	pollInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

func NewRedelivery(client *redis.Client, queue *RedisClient) *Redelivery {
	return &Redelivery{
		client:       client,
		queue:        queue,
		pollInterval: redeliveryPollInterval,
		stopCh:       make(chan struct{}),
	}
}

// redeliveryEntry is the JSON payload stored alongside each ZSET member so
// the poll loop has everything it needs to re-enqueue without a second
// round trip to fetch message contents.
type redeliveryEntry struct {
	EnvironmentID string          `json:"environment_id"`
	QueueName     string          `json:"queue_name"`
	RunID         string          `json:"run_id"`
	Payload       json.RawMessage `json:"payload"`
}

func (r *Redelivery) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
	logger.Info().Dur("poll_interval", r.pollInterval).Msg("redelivery scheduler started")
}

func (r *Redelivery) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Redelivery) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.processDue(ctx)
		}
	}
}

func (r *Redelivery) processDue(ctx context.Context) {
	locked, err := r.client.SetNX(ctx, redeliveryLockKey, "1", redeliveryLockTTL).Result()
	if err != nil || !locked {
		return
	}
	defer r.client.Del(ctx, redeliveryLockKey)

	now := time.Now().UTC().Unix()
	members, err := r.client.ZRangeByScore(ctx, redeliverySetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		logger.Error().Err(err).Msg("redelivery: failed to query due set")
		return
	}

	for _, member := range members {
		if err := r.redeliver(ctx, member); err != nil {
			logger.Error().Err(err).Msg("redelivery: failed to redeliver message")
			continue
		}
	}
}

func (r *Redelivery) redeliver(ctx context.Context, member string) error {
	var entry redeliveryEntry
	if err := json.Unmarshal([]byte(member), &entry); err != nil {
		r.client.ZRem(ctx, redeliverySetKey, member)
		return fmt.Errorf("unmarshal redelivery entry: %w", err)
	}

	if err := r.queue.Enqueue(ctx, entry.EnvironmentID, entry.QueueName, entry.RunID, entry.Payload); err != nil {
		return fmt.Errorf("re-enqueue run %s: %w", entry.RunID, err)
	}
	r.client.ZRem(ctx, redeliverySetKey, member)
	return nil
}

// Schedule places msg on the due-set, scored by visibleAt, so the poll loop
// re-enqueues it once that time arrives.
func (r *Redelivery) Schedule(ctx context.Context, msg *Message, visibleAt time.Time) error {
	entry := redeliveryEntry{
		EnvironmentID: msg.EnvironmentID,
		QueueName:     msg.QueueName,
		RunID:         msg.RunID,
		Payload:       msg.Payload,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue: marshal redelivery entry: %w", err)
	}

	return r.client.ZAdd(ctx, redeliverySetKey, redis.Z{
		Score:  float64(visibleAt.Unix()),
		Member: string(data),
	}).Err()
}
