// Package store defines the persistence contract the dispatcher uses for
// runs, attempts, worker registrations, and queues, plus two adapters: an
// in-memory store for tests and local development, and a Postgres adapter
// for production.
package store

import (
	"context"
	"errors"

	"github.com/maumercado/taskrun-dispatcher/internal/runs"
)

var (
	ErrNotFound      = errors.New("store: entity not found")
	ErrAlreadyExists = errors.New("store: entity already exists")
	ErrLockConflict  = errors.New("store: run lock conflict")
)

// Store is the persistence contract every adapter implements. Locking and
// attempt creation happen together in LockRunAndCreateAttempt so the two can
// be committed atomically by adapters that support transactions.
type Store interface {
	CreateRun(ctx context.Context, run *runs.TaskRun) error
	GetRun(ctx context.Context, id string) (*runs.TaskRun, error)
	GetRunByFriendlyID(ctx context.Context, friendlyID string) (*runs.TaskRun, error)
	UpdateRun(ctx context.Context, run *runs.TaskRun) error

	// LockRunAndCreateAttempt acquires the run's execution lock and persists
	// a new attempt row in one atomic operation, returning ErrLockConflict
	// if another attempt already holds the lock.
	LockRunAndCreateAttempt(ctx context.Context, runID, workerVersionID, taskID, queueID string) (*runs.TaskRunAttempt, error)
	// UnlockRunAndFinalizeAttempt releases the run's lock and records the
	// attempt's terminal outcome atomically, used by the completion handler.
	// The rollback path when dispatch fails to reach the worker uses
	// ReleaseRunLock instead.
	UnlockRunAndFinalizeAttempt(ctx context.Context, attempt *runs.TaskRunAttempt, nextRunStatus runs.RunStatus) error
	// ReleaseRunLock rolls back a lock taken by LockRunAndCreateAttempt
	// without recording any attempt outcome, used when the dispatcher could
	// not hand the execution off to a worker at all.
	ReleaseRunLock(ctx context.Context, runID, attemptID string) error

	GetAttempt(ctx context.Context, id string) (*runs.TaskRunAttempt, error)
	// GetAttemptByFriendlyID looks up an attempt by the ID a worker reports
	// over the transport, which is always the friendly ID, never the
	// internal one.
	GetAttemptByFriendlyID(ctx context.Context, friendlyID string) (*runs.TaskRunAttempt, error)
	ListAttempts(ctx context.Context, runID string) ([]*runs.TaskRunAttempt, error)

	RegisterWorkerVersion(ctx context.Context, wv *runs.BackgroundWorkerVersion, tasks []*runs.BackgroundWorkerTask) error
	LatestWorkerVersion(ctx context.Context, environmentID string) (*runs.BackgroundWorkerVersion, error)
	GetWorkerVersion(ctx context.Context, environmentID, version string) (*runs.BackgroundWorkerVersion, error)
	GetWorkerTask(ctx context.Context, workerVersionID, taskSlug string) (*runs.BackgroundWorkerTask, error)

	UpsertQueue(ctx context.Context, q *runs.TaskQueue) error
	GetQueue(ctx context.Context, environmentID, name string) (*runs.TaskQueue, error)
}
