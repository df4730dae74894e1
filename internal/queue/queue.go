// Package queue defines the durable queue contract the dispatch loop reads
// from, plus a Redis Streams adapter and a redelivery scheduler that gives
// the stream nack-with-future-visibility semantics Redis Streams doesn't
// provide natively.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrEmpty         = errors.New("queue: no items ready")
	ErrMessageClaimed = errors.New("queue: message already claimed by another consumer")
)

// Message is one queued dispatch item: a reference to a TaskRun pending
// execution, scoped to a single environment's logical queue.
type Message struct {
	ID            string // queue-internal delivery id (the Redis Stream entry id)
	RunID         string
	EnvironmentID string
	QueueName     string
	Payload       json.RawMessage
	DeliveryCount int
}

// Client is the durable queue contract: dequeue with a visibility timeout,
// ack on success, nack with an optional future visibility timestamp on
// failure, and heartbeat to extend the timeout of a message still being
// worked.
type Client interface {
	Enqueue(ctx context.Context, environmentID, queueName string, runID string, payload json.RawMessage) error
	// Dequeue blocks up to the adapter's configured block timeout waiting
	// for a message on the given environment/queue, returning ErrEmpty if
	// none arrived.
	Dequeue(ctx context.Context, environmentID, queueName, consumerID string) (*Message, error)
	Ack(ctx context.Context, msg *Message) error
	// Nack releases the message back to the queue. A nil visibleAt makes it
	// immediately redeliverable; a non-nil value defers redelivery until
	// that time, implemented via the redelivery scheduler since XADD/XACK
	// alone can't express a future visibility time.
	Nack(ctx context.Context, msg *Message, visibleAt *time.Time) error
	// Heartbeat extends a message's invisibility window so the owning
	// consumer isn't treated as crashed while a run is genuinely still
	// executing.
	Heartbeat(ctx context.Context, msg *Message, consumerID string) error
	Close() error
}
