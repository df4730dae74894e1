package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maumercado/taskrun-dispatcher/internal/queue"
	"github.com/maumercado/taskrun-dispatcher/internal/registry"
	"github.com/maumercado/taskrun-dispatcher/internal/runs"
	"github.com/maumercado/taskrun-dispatcher/internal/store"
	"github.com/maumercado/taskrun-dispatcher/internal/trace"
)

// fakeSender is the test double for the Sender transport dependency: it
// records everything handed to it and can be told to fail on demand to
// exercise the step-11 rollback path.
type fakeSender struct {
	mu   sync.Mutex
	sent []*BackgroundWorkerMessage
	fail bool
}

func (f *fakeSender) Send(_ context.Context, _ *runs.TaskRunAttempt, _ *queue.Message, msg *BackgroundWorkerMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("transport: connection reset")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) last() *BackgroundWorkerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

const testEnvID = "env-1"

func testEnv() runs.AuthenticatedEnvironment {
	return runs.AuthenticatedEnvironment{
		ID:               testEnvID,
		Slug:             "production",
		Type:             "production",
		OrganizationID:   "org-1",
		OrganizationSlug: "acme",
		OrganizationName: "Acme Inc",
		ProjectID:        "proj-1",
		ProjectRef:       "proj_ref123",
		ProjectSlug:      "api",
		ProjectName:      "API",
	}
}

// harness wires a Dispatcher against in-memory adapters, bypassing
// RegisterWorker's goroutine start so tests can drive dispatchMessage
// synchronously and deterministically.
type harness struct {
	d      *Dispatcher
	store  store.Store
	queue  queue.Client
	sender *fakeSender
	stopCh chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	q := queue.NewMemoryClient()
	reg := registry.New(st)
	sender := &fakeSender{}
	cfg := Config{MaxItemsPerTrace: 50, TraceTimeoutSeconds: 60, DefaultMaxAttempts: 3, ConsumerIDPrefix: "dispatcher"}

	d := New(testEnv(), q, st, reg, trace.NoopRecorder{}, sender, cfg)
	d.queueName = "default"

	require.NoError(t, st.UpsertQueue(context.Background(), &runs.TaskQueue{
		ID: "queue-internal-1", FriendlyID: "queue_abc", EnvironmentID: testEnvID, Name: "default", ConcurrencyLimit: 10,
	}))

	return &harness{d: d, store: st, queue: q, sender: sender, stopCh: make(chan struct{})}
}

// registerWorker declares a worker version with the given tasks, bypassing
// Dispatcher.RegisterWorker so the background loop goroutine never starts.
func (h *harness) registerWorker(t *testing.T, version string, tasks ...registry.RegisteredTask) *runs.BackgroundWorkerVersion {
	t.Helper()
	wv, err := h.d.registry.Register(context.Background(), testEnvID, version, "hash-"+version, tasks, "default")
	require.NoError(t, err)
	return wv
}

func sendEmailTask() registry.RegisteredTask {
	return registry.RegisteredTask{
		Slug:       "send-email",
		FilePath:   "./trigger/send-email.ts",
		ExportName: "run",
		Retry:      runs.DefaultRetryConfig(),
	}
}

// enqueueRun persists a queued run and drops its EXECUTE message onto the
// queue, returning the run so the test can inspect it afterward.
func (h *harness) enqueueRun(t *testing.T, taskSlug, lockedToVersionID string) *runs.TaskRun {
	t.Helper()
	run := runs.NewTaskRun(testEnvID, "default", taskSlug, json.RawMessage(`{"to":"a@example.com"}`), runs.DefaultRetryConfig())
	run.FriendlyID = "run_" + run.ID
	run.LockedToVersionID = lockedToVersionID
	require.NoError(t, h.store.CreateRun(context.Background(), run))

	payload, err := json.Marshal(QueuePayload{Type: queuePayloadTypeExecute, TaskIdentifier: taskSlug})
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(context.Background(), testEnvID, "default", run.ID, payload))
	return run
}

// dispatchOnce dequeues and runs steps 2-11 against whatever is at the front
// of the queue, returning the resume delay and the dequeued message (so
// completion-handler tests can ack/nack it).
func (h *harness) dispatchOnce(t *testing.T) (time.Duration, *queue.Message) {
	t.Helper()
	msg, err := h.queue.Dequeue(context.Background(), testEnvID, "default", h.d.consumerID)
	require.NoError(t, err)
	delay := h.d.dispatchMessage(context.Background(), msg, h.stopCh)
	return delay, msg
}

// S1: happy path — dequeue, match, lock, dispatch to the worker.
func TestDispatch_HappyPath(t *testing.T) {
	h := newHarness(t)
	wv := h.registerWorker(t, "20240101.1", sendEmailTask())
	run := h.enqueueRun(t, "send-email", "")

	delay, _ := h.dispatchOnce(t)
	assert.Equal(t, resumeDelayFast, delay)
	assert.Equal(t, 1, h.sender.count())

	got, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.True(t, got.Locked())
	assert.Equal(t, runs.RunStatusExecuting, got.Status)

	attempt, err := h.store.GetAttempt(context.Background(), got.LockedBy)
	require.NoError(t, err)
	assert.Equal(t, 1, attempt.Number)
	assert.Equal(t, runs.AttemptStatusExecuting, attempt.Status)

	var env ExecuteRunsData
	require.NoError(t, json.Unmarshal(h.sender.last().Data, &env))
	require.Len(t, env.Payloads, 1)
	assert.Equal(t, wv.FriendlyID, h.sender.last().BackgroundWorkerID)
	assert.Equal(t, run.FriendlyID, env.Payloads[0].Execution.Run.ID)
	assert.Equal(t, "./trigger/send-email.ts", env.Payloads[0].Execution.Task.FilePath)
}

// S2: worker reports a retryable failure — the attempt is marked failed with
// a next-retry timestamp, the run returns to retrying_after_failure, and the
// message is nacked with that timestamp as its future visibility.
func TestDispatch_Retry(t *testing.T) {
	h := newHarness(t)
	h.registerWorker(t, "20240101.1", sendEmailTask())
	run := h.enqueueRun(t, "send-email", "")

	_, msg := h.dispatchOnce(t)

	lockedRun, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	attempt, err := h.store.GetAttempt(context.Background(), lockedRun.LockedBy)
	require.NoError(t, err)

	nextRetryAt := time.Now().Add(30 * time.Second)
	handler := NewCompletionHandler(h.d)
	err = handler.OnCompleted(context.Background(), attempt.FriendlyID, TaskRunCompletion{
		OK:    false,
		Error: "smtp timeout",
		Retry: &RetryDecision{Timestamp: nextRetryAt},
	}, msg)
	require.NoError(t, err)

	updatedRun, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.False(t, updatedRun.Locked())
	assert.Equal(t, runs.RunStatusRetryingAfterFailure, updatedRun.Status)

	updatedAttempt, err := h.store.GetAttempt(context.Background(), attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.AttemptStatusFailed, updatedAttempt.Status)
	require.NotNil(t, updatedAttempt.NextRetryAt)
	assert.WithinDuration(t, nextRetryAt, *updatedAttempt.NextRetryAt, time.Second)

	successes, failures := h.d.window.Counts()
	assert.Equal(t, 0, successes)
	assert.Equal(t, 1, failures)
}

// S3: a run pinned to a specific worker version is dispatched against that
// version even though a newer one is registered.
func TestDispatch_VersionPinning(t *testing.T) {
	h := newHarness(t)
	pinned := h.registerWorker(t, "20240101.1", sendEmailTask())
	h.registerWorker(t, "20240101.2", sendEmailTask())

	run := h.enqueueRun(t, "send-email", pinned.Version)

	delay, _ := h.dispatchOnce(t)
	assert.Equal(t, resumeDelayFast, delay)

	assert.Equal(t, pinned.FriendlyID, h.sender.last().BackgroundWorkerID)
}

// S4 is exercised directly against registry.Resolve in the registry
// package's own tests (numeric "latest" selection); dispatch only consumes
// whatever Resolve returns.

// S5: an unparseable message is poison — acked without redelivery, never
// reaching the worker.
func TestDispatch_PoisonMessage(t *testing.T) {
	h := newHarness(t)
	h.registerWorker(t, "20240101.1", sendEmailTask())

	require.NoError(t, h.queue.Enqueue(context.Background(), testEnvID, "default", "run-does-not-matter", json.RawMessage(`not json`)))

	delay, _ := h.dispatchOnce(t)
	assert.Equal(t, resumeDelayFast, delay)
	assert.Equal(t, 0, h.sender.count())

	// Acked, not redelivered: the queue should be empty now.
	_, err := h.queue.Dequeue(context.Background(), testEnvID, "default", h.d.consumerID)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

// S6: the transport fails to deliver the execution descriptor — the lock
// and attempt are rolled back entirely and the message is nacked for
// immediate redelivery.
func TestDispatch_TransportFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.registerWorker(t, "20240101.1", sendEmailTask())
	run := h.enqueueRun(t, "send-email", "")
	h.sender.fail = true

	delay, _ := h.dispatchOnce(t)
	assert.Equal(t, resumeDelayFast, delay)
	assert.Equal(t, 0, h.sender.count())

	got, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.False(t, got.Locked())
	assert.Equal(t, runs.RunStatusQueued, got.Status)

	// The message was nacked for immediate redelivery.
	redelivered, err := h.queue.Dequeue(context.Background(), testEnvID, "default", h.d.consumerID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, redelivered.RunID)
}

// A heartbeat for an attempt the dispatcher no longer knows about is a
// silent no-op.
func TestCompletionHandler_HeartbeatUnknownAttemptIsNoop(t *testing.T) {
	h := newHarness(t)
	handler := NewCompletionHandler(h.d)
	handler.OnHeartbeat(context.Background(), "attempt_unknown", 60, nil)
}
