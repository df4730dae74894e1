package queue

import (
	"container/list"
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// MemoryClient is an in-process Client implementation used by dispatch-loop
// unit tests, where exercising the real Redis Streams adapter would require
// a live Redis instance. It mirrors Client's ack/nack and future-visibility
// semantics with plain Go data structures instead of XREADGROUP/XCLAIM; a
// dequeued message that is never acked or nacked stays pending and is not
// redelivered.
type MemoryClient struct {
	mu      sync.Mutex
	ready   map[string]*list.List // "environmentID/queueName" -> *list.List of *Message
	pending map[string]*Message   // delivery id -> in-flight message
	nextID  int
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		ready:   make(map[string]*list.List),
		pending: make(map[string]*Message),
	}
}

func key(environmentID, queueName string) string {
	return environmentID + "/" + queueName
}

func (c *MemoryClient) Enqueue(_ context.Context, environmentID, queueName, runID string, payload json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	msg := &Message{
		ID:            strconv.Itoa(c.nextID),
		RunID:         runID,
		EnvironmentID: environmentID,
		QueueName:     queueName,
		Payload:       payload,
	}

	k := key(environmentID, queueName)
	if c.ready[k] == nil {
		c.ready[k] = list.New()
	}
	c.ready[k].PushBack(msg)
	return nil
}

func (c *MemoryClient) Dequeue(_ context.Context, environmentID, queueName, _ string) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(environmentID, queueName)
	l := c.ready[k]
	if l == nil || l.Len() == 0 {
		return nil, ErrEmpty
	}

	front := l.Front()
	msg := front.Value.(*Message)
	l.Remove(front)

	msg.DeliveryCount++
	c.pending[msg.ID] = msg
	return msg, nil
}

func (c *MemoryClient) Ack(_ context.Context, msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, msg.ID)
	return nil
}

func (c *MemoryClient) Nack(ctx context.Context, msg *Message, visibleAt *time.Time) error {
	c.mu.Lock()
	delete(c.pending, msg.ID)
	c.mu.Unlock()

	if visibleAt == nil || !visibleAt.After(time.Now()) {
		return c.Enqueue(ctx, msg.EnvironmentID, msg.QueueName, msg.RunID, msg.Payload)
	}

	delay := time.Until(*visibleAt)
	go func() {
		time.Sleep(delay)
		_ = c.Enqueue(context.Background(), msg.EnvironmentID, msg.QueueName, msg.RunID, msg.Payload)
	}()
	return nil
}

func (c *MemoryClient) Heartbeat(_ context.Context, msg *Message, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[msg.ID]; !ok {
		return ErrMessageClaimed
	}
	return nil
}

func (c *MemoryClient) Close() error { return nil }
