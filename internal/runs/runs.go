// Package runs defines the core data model shared by every other package in
// the dispatcher: task runs, their attempts, the background workers that
// register task handlers, and the organizational scoping that every run is
// dequeued within.
package runs

import (
	"encoding/json"
	"time"

	"github.com/maumercado/taskrun-dispatcher/internal/ids"
)

// RunStatus is the lifecycle state of a TaskRun as observed by the
// dispatcher, independent of any single attempt's outcome.
type RunStatus int

const (
	RunStatusQueued RunStatus = iota
	RunStatusDequeued
	RunStatusExecuting
	RunStatusRetryingAfterFailure
	RunStatusCompleted
	RunStatusFailed
	RunStatusCanceled
	RunStatusSystemFailure
	RunStatusExpired
)

func (s RunStatus) String() string {
	switch s {
	case RunStatusQueued:
		return "queued"
	case RunStatusDequeued:
		return "dequeued"
	case RunStatusExecuting:
		return "executing"
	case RunStatusRetryingAfterFailure:
		return "retrying_after_failure"
	case RunStatusCompleted:
		return "completed"
	case RunStatusFailed:
		return "failed"
	case RunStatusCanceled:
		return "canceled"
	case RunStatusSystemFailure:
		return "system_failure"
	case RunStatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// IsFinal reports whether the run has reached a terminal status and will
// never be dequeued again.
func (s RunStatus) IsFinal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCanceled, RunStatusSystemFailure, RunStatusExpired:
		return true
	default:
		return false
	}
}

// AttemptStatus is the lifecycle state of a single TaskRunAttempt.
type AttemptStatus int

const (
	AttemptStatusPending AttemptStatus = iota
	AttemptStatusExecuting
	AttemptStatusCompleted
	AttemptStatusFailed
)

func (s AttemptStatus) String() string {
	switch s {
	case AttemptStatusPending:
		return "pending"
	case AttemptStatusExecuting:
		return "executing"
	case AttemptStatusCompleted:
		return "completed"
	case AttemptStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Organization is the top-level billing and isolation boundary.
type Organization struct {
	ID   string
	Slug string
	Name string
}

// Project belongs to exactly one Organization and owns one or more
// environments (dev, staging, prod) that each get their own logical queue.
type Project struct {
	ID             string
	OrganizationID string
	Ref            string
	Slug           string
	Name           string
}

// AuthenticatedEnvironment is the scoping unit a remote worker authenticates
// as: every queue, run, and registered task is namespaced to exactly one.
// Resolved once by the auth middleware from JWT claims or API key lookup and
// held immutable for the lifetime of one connection.
type AuthenticatedEnvironment struct {
	ID   string
	Slug string // "development", "staging", "production"
	Type string // environmentType, usually equal to Slug

	OrganizationID   string
	OrganizationSlug string
	OrganizationName string

	ProjectID   string
	ProjectRef  string
	ProjectSlug string
	ProjectName string

	APIKey string
}

// Organization extracts the Organization view embedded in the environment's
// denormalized claims, for building the outbound execution descriptor.
func (e AuthenticatedEnvironment) Organization() Organization {
	return Organization{ID: e.OrganizationID, Slug: e.OrganizationSlug, Name: e.OrganizationName}
}

// Project extracts the Project view embedded in the environment's
// denormalized claims, for building the outbound execution descriptor.
func (e AuthenticatedEnvironment) Project() Project {
	return Project{ID: e.ProjectID, OrganizationID: e.OrganizationID, Ref: e.ProjectRef, Slug: e.ProjectSlug, Name: e.ProjectName}
}

// TaskQueue is the logical queue a run is dispatched through. Concurrency
// limits are enforced against the queue, not the individual task.
type TaskQueue struct {
	ID               string
	FriendlyID       string
	Name             string
	EnvironmentID    string
	ConcurrencyLimit int
}

// DefaultQueueConcurrencyLimit is applied to a queue an API caller submits
// runs against before anything has explicitly configured its limit.
const DefaultQueueConcurrencyLimit = 10

// NewTaskQueue builds the TaskQueue row for a (environmentID, name) pair
// seen for the first time, with the default concurrency limit.
func NewTaskQueue(environmentID, name string) *TaskQueue {
	return &TaskQueue{
		ID:               ids.New(ids.PrefixQueue),
		FriendlyID:       ids.New(ids.PrefixQueue),
		Name:             name,
		EnvironmentID:    environmentID,
		ConcurrencyLimit: DefaultQueueConcurrencyLimit,
	}
}

// BackgroundWorkerVersion is one deployed build of a project's worker code.
// Its Version string is a "YYYYMMDD.N" dotted pair, compared numerically
// (not lexicographically) when the registry picks the latest version.
type BackgroundWorkerVersion struct {
	ID            string
	FriendlyID    string
	EnvironmentID string
	Version       string
	ContentHash   string
	RegisteredAt  time.Time
}

// BackgroundWorkerTask is one task identifier a worker version declares it
// can execute, along with the retry defaults it wants applied when none are
// supplied on a run.
type BackgroundWorkerTask struct {
	ID              string
	FriendlyID      string
	WorkerVersionID string
	Slug            string
	FilePath        string
	ExportName      string
	QueueName       string
	Retry           RetryConfig
}

// TaskRun is a single request to execute a registered task. Identifiers that
// leave the process are friendly IDs (see internal/ids); FriendlyID is what
// gets handed to the worker and returned to API callers.
type TaskRun struct {
	ID             string
	FriendlyID     string
	EnvironmentID  string
	QueueName      string
	TaskSlug       string
	IdempotencyKey string
	Payload        json.RawMessage
	PayloadType    string
	// Context carries caller-supplied metadata forwarded verbatim in the
	// execution descriptor; opaque to the dispatcher.
	Context json.RawMessage
	// TraceContext is the W3C trace context captured at submission time and
	// forwarded verbatim to the worker so retry events land on the same
	// trace.
	TraceContext string
	Tags         []string
	Status       RunStatus
	MaxAttempts  int
	Retry        RetryConfig
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
	// LockedBy is the attempt ID currently holding the run's execution lock,
	// enforcing at most one in-flight attempt per run. Empty when unlocked.
	LockedBy string
	// LockedToVersionID pins the run to a specific BackgroundWorkerVersion's
	// Version string (not its internal ID — this is what registry.Resolve
	// and store.GetWorkerVersion key on); once set it never changes.
	LockedToVersionID string
}

// NewTaskRun constructs a queued run with a fresh friendly ID.
func NewTaskRun(environmentID, queueName, taskSlug string, payload json.RawMessage, retry RetryConfig) *TaskRun {
	now := time.Now().UTC()
	return &TaskRun{
		ID:            ids.New(ids.PrefixRun),
		FriendlyID:    ids.New(ids.PrefixRun),
		EnvironmentID: environmentID,
		QueueName:     queueName,
		TaskSlug:      taskSlug,
		Payload:       payload,
		Status:        RunStatusQueued,
		MaxAttempts:   retry.MaxAttempts,
		Retry:         retry,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Locked reports whether a run currently has an attempt holding its lock.
func (r *TaskRun) Locked() bool {
	return r.LockedBy != ""
}

// TaskRunAttempt is one execution of a TaskRun against a specific worker
// version. A run may accumulate many attempts; only one may be in the
// executing status at a time, which the run's LockedBy field enforces.
type TaskRunAttempt struct {
	ID              string
	FriendlyID      string
	RunID           string
	WorkerVersionID string
	TaskID          string
	QueueID         string
	Number          int
	Status          AttemptStatus
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	OutputType      string
	Output          json.RawMessage
	Error           string
	// NextRetryAt is supplied by the worker in the completion message, not
	// computed by the dispatcher; see RetryConfig for why.
	NextRetryAt *time.Time
}

// NewAttempt creates the next attempt for a run, numbered sequentially. It is
// created already executing: the dispatch loop only calls this once it has
// locked the run and is about to hand the attempt to a worker, so there's no
// separate pending state to observe.
func NewAttempt(runID, workerVersionID, taskID, queueID string, number int) *TaskRunAttempt {
	now := time.Now().UTC()
	return &TaskRunAttempt{
		ID:              ids.New(ids.PrefixAttempt),
		FriendlyID:      ids.New(ids.PrefixAttempt),
		RunID:           runID,
		WorkerVersionID: workerVersionID,
		TaskID:          taskID,
		QueueID:         queueID,
		Number:          number,
		Status:          AttemptStatusExecuting,
		CreatedAt:       now,
		StartedAt:       &now,
	}
}
