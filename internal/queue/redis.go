package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maumercado/taskrun-dispatcher/internal/config"
)

// RedisClient implements Client on a single Redis Stream per
// environment/queue pair, with one shared consumer group per stream: one
// concurrency dimension (the environment's logical queue name) using the
// standard XReadGroup/XAck/XClaim idiom.
type RedisClient struct {
	client        *redis.Client
	streamPrefix  string
	consumerGroup string
	blockTimeout  time.Duration
	claimMinIdle  time.Duration
	redelivery    *Redelivery
}

func NewRedisClient(cfg *config.RedisConfig, queueCfg *config.QueueConfig) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue: connect to redis: %w", err)
	}

	rc := &RedisClient{
		client:        client,
		streamPrefix:  queueCfg.StreamPrefix,
		consumerGroup: queueCfg.ConsumerGroup,
		blockTimeout:  queueCfg.BlockTimeout,
		claimMinIdle:  queueCfg.ClaimMinIdle,
	}
	rc.redelivery = NewRedelivery(client, rc)
	return rc, nil
}

// StartRedelivery starts the background poll loop that re-enqueues messages
// whose visibility timeout has elapsed. The caller owns ctx's lifetime;
// Close stops the loop regardless of whether it was ever started.
func (q *RedisClient) StartRedelivery(ctx context.Context) {
	q.redelivery.Start(ctx)
}

func (q *RedisClient) streamName(environmentID, queueName string) string {
	return fmt.Sprintf("%s:%s:%s", q.streamPrefix, environmentID, queueName)
}

func (q *RedisClient) ensureGroup(ctx context.Context, stream string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, q.consumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("queue: create consumer group for %s: %w", stream, err)
	}
	return nil
}

func (q *RedisClient) Enqueue(ctx context.Context, environmentID, queueName, runID string, payload json.RawMessage) error {
	stream := q.streamName(environmentID, queueName)
	if err := q.ensureGroup(ctx, stream); err != nil {
		return err
	}

	_, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"run_id":  runID,
			"payload": string(payload),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: enqueue run %s: %w", runID, err)
	}
	return nil
}

func (q *RedisClient) Dequeue(ctx context.Context, environmentID, queueName, consumerID string) (*Message, error) {
	stream := q.streamName(environmentID, queueName)
	if err := q.ensureGroup(ctx, stream); err != nil {
		return nil, err
	}

	result, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.consumerGroup,
		Consumer: consumerID,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    q.blockTimeout,
	}).Result()
	if err == redis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue from %s: %w", stream, err)
	}
	if len(result) == 0 || len(result[0].Messages) == 0 {
		return nil, ErrEmpty
	}

	msg := result[0].Messages[0]
	return q.toMessage(environmentID, queueName, msg)
}

func (q *RedisClient) toMessage(environmentID, queueName string, msg redis.XMessage) (*Message, error) {
	runID, _ := msg.Values["run_id"].(string)
	payload, _ := msg.Values["payload"].(string)
	return &Message{
		ID:            msg.ID,
		RunID:         runID,
		EnvironmentID: environmentID,
		QueueName:     queueName,
		Payload:       json.RawMessage(payload),
	}, nil
}

func (q *RedisClient) Ack(ctx context.Context, msg *Message) error {
	stream := q.streamName(msg.EnvironmentID, msg.QueueName)
	return q.client.XAck(ctx, stream, q.consumerGroup, msg.ID).Err()
}

// Nack acknowledges the original delivery (so it leaves the pending entries
// list) and, when visibleAt is set in the future, hands the run off to the
// redelivery scheduler instead of re-adding it to the stream immediately.
func (q *RedisClient) Nack(ctx context.Context, msg *Message, visibleAt *time.Time) error {
	stream := q.streamName(msg.EnvironmentID, msg.QueueName)
	if err := q.client.XAck(ctx, stream, q.consumerGroup, msg.ID).Err(); err != nil {
		return fmt.Errorf("queue: ack before nack-redeliver: %w", err)
	}

	if visibleAt == nil || !visibleAt.After(time.Now()) {
		return q.Enqueue(ctx, msg.EnvironmentID, msg.QueueName, msg.RunID, msg.Payload)
	}
	return q.redelivery.Schedule(ctx, msg, *visibleAt)
}

// Heartbeat re-claims the message for the same consumer, which resets its
// idle time in the pending entries list and prevents ClaimOrphaned from
// treating an actively-executing run as abandoned.
func (q *RedisClient) Heartbeat(ctx context.Context, msg *Message, consumerID string) error {
	stream := q.streamName(msg.EnvironmentID, msg.QueueName)
	_, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    q.consumerGroup,
		Consumer: consumerID,
		MinIdle:  0,
		Messages: []string{msg.ID},
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: heartbeat claim: %w", err)
	}
	return nil
}

// ClaimOrphaned transfers pending messages idle longer than claimMinIdle to
// consumerID, so runs whose worker connection dropped without acking or
// nacking can be picked up again. It is not part of the Client interface,
// and the dispatch loop does not call it.
func (q *RedisClient) ClaimOrphaned(ctx context.Context, environmentID, queueName, consumerID string) ([]*Message, error) {
	stream := q.streamName(environmentID, queueName)

	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  q.consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list pending for %s: %w", stream, err)
	}

	var out []*Message
	for _, p := range pending {
		if p.Idle < q.claimMinIdle {
			continue
		}
		claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    q.consumerGroup,
			Consumer: consumerID,
			MinIdle:  q.claimMinIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue
		}
		msg, err := q.toMessage(environmentID, queueName, claimed[0])
		if err != nil {
			continue
		}
		msg.DeliveryCount = int(p.RetryCount)
		out = append(out, msg)
	}
	return out, nil
}

func (q *RedisClient) Close() error {
	q.redelivery.Stop()
	return q.client.Close()
}
