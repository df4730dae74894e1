package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maumercado/taskrun-dispatcher/internal/runs"
	"github.com/maumercado/taskrun-dispatcher/internal/store"
)

func sendEmailTask() []RegisteredTask {
	return []RegisteredTask{
		{Slug: "send-email", FilePath: "./trigger/sendEmail.ts", ExportName: "sendEmail", Retry: runs.DefaultRetryConfig()},
	}
}

func TestRegistry_ResolveLatest(t *testing.T) {
	s := store.NewMemoryStore()
	r := New(s)
	ctx := context.Background()

	_, err := r.Register(ctx, "env-1", "20240101.2", "hash-a", sendEmailTask(), "default")
	require.NoError(t, err)
	_, err = r.Register(ctx, "env-1", "20240101.10", "hash-b", sendEmailTask(), "default")
	require.NoError(t, err)

	wv, task, err := r.Resolve(ctx, "env-1", "send-email", "")
	require.NoError(t, err)
	assert.Equal(t, "20240101.10", wv.Version)
	assert.Equal(t, "send-email", task.Slug)
}

func TestRegistry_ResolvePinnedVersion(t *testing.T) {
	s := store.NewMemoryStore()
	r := New(s)
	ctx := context.Background()

	_, err := r.Register(ctx, "env-1", "20240101.2", "hash-a", sendEmailTask(), "default")
	require.NoError(t, err)
	_, err = r.Register(ctx, "env-1", "20240101.10", "hash-b", sendEmailTask(), "default")
	require.NoError(t, err)

	wv, _, err := r.Resolve(ctx, "env-1", "send-email", "20240101.2")
	require.NoError(t, err)
	assert.Equal(t, "20240101.2", wv.Version)
}

func TestRegistry_TaskNotRegistered(t *testing.T) {
	s := store.NewMemoryStore()
	r := New(s)
	ctx := context.Background()

	_, err := r.Register(ctx, "env-1", "20240101.1", "hash", sendEmailTask(), "default")
	require.NoError(t, err)

	_, _, err = r.Resolve(ctx, "env-1", "unregistered-task", "")
	assert.ErrorIs(t, err, ErrTaskNotRegistered)
}

func TestRegistry_NoWorkerRegistered(t *testing.T) {
	s := store.NewMemoryStore()
	r := New(s)

	_, _, err := r.Resolve(context.Background(), "env-unknown", "send-email", "")
	assert.ErrorIs(t, err, ErrNoWorkerRegistered)
}
