// Package registry resolves which BackgroundWorkerVersion should execute a
// run: the latest registered version for an environment, or a specific
// pinned version when the run requested one.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maumercado/taskrun-dispatcher/internal/ids"
	"github.com/maumercado/taskrun-dispatcher/internal/runs"
	"github.com/maumercado/taskrun-dispatcher/internal/store"
)

// RegisteredTask describes one task a connecting worker declares it can
// execute, as supplied on the READY_FOR_TASKS transport message.
type RegisteredTask struct {
	Slug       string
	FilePath   string
	ExportName string
	Retry      runs.RetryConfig
}

var (
	ErrNoWorkerRegistered = errors.New("registry: no worker version registered for environment")
	ErrTaskNotRegistered  = errors.New("registry: task not registered on worker version")
)

// versionStore is the subset of store.Store the registry depends on.
type versionStore interface {
	RegisterWorkerVersion(ctx context.Context, wv *runs.BackgroundWorkerVersion, tasks []*runs.BackgroundWorkerTask) error
	LatestWorkerVersion(ctx context.Context, environmentID string) (*runs.BackgroundWorkerVersion, error)
	GetWorkerVersion(ctx context.Context, environmentID, version string) (*runs.BackgroundWorkerVersion, error)
	GetWorkerTask(ctx context.Context, workerVersionID, taskSlug string) (*runs.BackgroundWorkerTask, error)
}

// Registry resolves a run's task slug (and optional pinned version) to the
// BackgroundWorkerTask a connected worker has declared it can execute.
type Registry struct {
	store versionStore
}

func New(s versionStore) *Registry {
	return &Registry{store: s}
}

// Register records a newly connected worker's declared task set as a new
// BackgroundWorkerVersion.
func (r *Registry) Register(ctx context.Context, environmentID, version, contentHash string, declared []RegisteredTask, queueName string) (*runs.BackgroundWorkerVersion, error) {
	wv := &runs.BackgroundWorkerVersion{
		ID:            environmentID + ":" + version,
		FriendlyID:    ids.New(ids.PrefixWorker),
		EnvironmentID: environmentID,
		Version:       version,
		ContentHash:   contentHash,
		RegisteredAt:  time.Now().UTC(),
	}

	tasks := make([]*runs.BackgroundWorkerTask, 0, len(declared))
	for _, t := range declared {
		tasks = append(tasks, &runs.BackgroundWorkerTask{
			ID:              ids.New(ids.PrefixTask),
			FriendlyID:      ids.New(ids.PrefixTask),
			WorkerVersionID: wv.ID,
			Slug:            t.Slug,
			FilePath:        t.FilePath,
			ExportName:      t.ExportName,
			QueueName:       queueName,
			Retry:           t.Retry,
		})
	}

	if err := r.store.RegisterWorkerVersion(ctx, wv, tasks); err != nil {
		return nil, fmt.Errorf("registry: register version %s: %w", version, err)
	}
	return wv, nil
}

// Resolve picks the BackgroundWorkerTask that should execute a run: the task
// declared by pinnedVersion if non-empty, otherwise the task declared by the
// numerically latest registered version for the environment. Numeric
// comparison (runs.CompareVersions) replaces a naive string comparison so
// that, e.g., "20240101.10" correctly outranks "20240101.2".
func (r *Registry) Resolve(ctx context.Context, environmentID, taskSlug, pinnedVersion string) (*runs.BackgroundWorkerVersion, *runs.BackgroundWorkerTask, error) {
	var wv *runs.BackgroundWorkerVersion
	var err error

	if pinnedVersion != "" {
		wv, err = r.store.GetWorkerVersion(ctx, environmentID, pinnedVersion)
	} else {
		wv, err = r.store.LatestWorkerVersion(ctx, environmentID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNoWorkerRegistered, err)
	}

	task, err := r.store.GetWorkerTask(ctx, wv.ID, taskSlug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrTaskNotRegistered
		}
		return nil, nil, fmt.Errorf("registry: get worker task: %w", err)
	}
	return wv, task, nil
}
