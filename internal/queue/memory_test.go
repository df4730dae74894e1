package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClient_EnqueueDequeueAck(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()

	require.NoError(t, c.Enqueue(ctx, "env-1", "default", "run-1", []byte(`{}`)))

	msg, err := c.Dequeue(ctx, "env-1", "default", "consumer-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", msg.RunID)
	assert.Equal(t, 1, msg.DeliveryCount)

	require.NoError(t, c.Ack(ctx, msg))

	_, err = c.Dequeue(ctx, "env-1", "default", "consumer-1")
	assert.Equal(t, ErrEmpty, err)
}

func TestMemoryClient_DequeueEmpty(t *testing.T) {
	c := NewMemoryClient()
	_, err := c.Dequeue(context.Background(), "env-1", "default", "consumer-1")
	assert.Equal(t, ErrEmpty, err)
}

func TestMemoryClient_NackImmediateRedelivery(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()
	require.NoError(t, c.Enqueue(ctx, "env-1", "default", "run-1", []byte(`{}`)))

	msg, err := c.Dequeue(ctx, "env-1", "default", "consumer-1")
	require.NoError(t, err)

	require.NoError(t, c.Nack(ctx, msg, nil))

	redelivered, err := c.Dequeue(ctx, "env-1", "default", "consumer-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", redelivered.RunID)
	assert.Equal(t, 2, redelivered.DeliveryCount)
}

func TestMemoryClient_NackFutureRedelivery(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()
	require.NoError(t, c.Enqueue(ctx, "env-1", "default", "run-1", []byte(`{}`)))

	msg, err := c.Dequeue(ctx, "env-1", "default", "consumer-1")
	require.NoError(t, err)

	visibleAt := time.Now().Add(20 * time.Millisecond)
	require.NoError(t, c.Nack(ctx, msg, &visibleAt))

	_, err = c.Dequeue(ctx, "env-1", "default", "consumer-1")
	assert.Equal(t, ErrEmpty, err, "message should not be visible before its scheduled time")

	assert.Eventually(t, func() bool {
		_, err := c.Dequeue(ctx, "env-1", "default", "consumer-1")
		return err == nil
	}, time.Second, 5*time.Millisecond)
}
