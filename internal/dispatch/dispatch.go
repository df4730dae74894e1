package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/maumercado/taskrun-dispatcher/internal/logger"
	"github.com/maumercado/taskrun-dispatcher/internal/metrics"
	"github.com/maumercado/taskrun-dispatcher/internal/queue"
	"github.com/maumercado/taskrun-dispatcher/internal/registry"
	"github.com/maumercado/taskrun-dispatcher/internal/runs"
	"github.com/maumercado/taskrun-dispatcher/internal/store"
	"github.com/maumercado/taskrun-dispatcher/internal/trace"
)

// ErrSendFailed wraps any Sender error so the transport-failure branch of
// step 11 can be recognized with errors.Is at call sites that care.
var ErrSendFailed = errors.New("dispatch: transport send failed")

const (
	// resumeDelayEmpty is how long the loop waits after finding nothing to
	// dequeue.
	resumeDelayEmpty = 1000 * time.Millisecond
	// resumeDelayFast is how long the loop waits after disposing of an
	// iteration that didn't reach a worker send.
	resumeDelayFast = 100 * time.Millisecond
)

// Sender is the narrow transport dependency the dispatch loop needs: hand an
// EXECUTE_RUNS envelope to the worker on the other end of this connection.
// attempt and queueMsg are threaded through (rather than just msg) so the
// transport can retain them, keyed by the attempt's friendly ID, for the
// eventual TASK_RUN_COMPLETED/TASK_HEARTBEAT frame to ack/nack against, and
// to roll back cleanly if the connection drops before one arrives.
// Implemented by transport.Connection.
type Sender interface {
	Send(ctx context.Context, attempt *runs.TaskRunAttempt, queueMsg *queue.Message, msg *BackgroundWorkerMessage) error
}

// Config tunes the Dispatch Loop and its Trace Window, sourced from
// config.DispatchConfig.
type Config struct {
	MaxItemsPerTrace    int
	TraceTimeoutSeconds int
	DefaultMaxAttempts  int
	ConsumerIDPrefix    string
}

// Dispatcher bundles the Worker Registry, Trace Window, Dispatch Loop, and
// Completion Handler for one authenticated worker connection. One instance
// exists per connection and shares no state with any other instance.
type Dispatcher struct {
	env         runs.AuthenticatedEnvironment
	queueClient queue.Client
	store       store.Store
	registry    *registry.Registry
	tracer      trace.Recorder
	window      *trace.Window
	sender      Sender
	consumerID  string
	cfg         Config

	// mu serializes dispatch-loop step execution against completion-handler
	// invocations: exactly one of a loop iteration's steps, or a completion
	// callback, runs at a time for a given Dispatcher.
	mu      sync.Mutex
	enabled bool
	stopCh  chan struct{}

	queueName     string
	forceRollover bool
	traceCtx      context.Context
	currentSpan   trace.Span
}

// New constructs a disabled Dispatcher. The loop starts once RegisterWorker
// records a worker version; until then there's nothing declared to run.
func New(env runs.AuthenticatedEnvironment, q queue.Client, st store.Store, reg *registry.Registry, tr trace.Recorder, sender Sender, cfg Config) *Dispatcher {
	return &Dispatcher{
		env:         env,
		queueClient: q,
		store:       st,
		registry:    reg,
		tracer:      tr,
		sender:      sender,
		cfg:         cfg,
		consumerID:  fmt.Sprintf("%s-%s", cfg.ConsumerIDPrefix, env.ID),
		window:      trace.NewWindow(cfg.MaxItemsPerTrace, time.Duration(cfg.TraceTimeoutSeconds)*time.Second),
		traceCtx:    context.Background(),
	}
}

// SetSender binds the transport the dispatch loop sends through. Split from
// New because Connection and Dispatcher reference each other: the transport
// layer constructs the Dispatcher first, then itself, then closes the loop
// with SetSender before the first RegisterWorker call starts the loop.
func (d *Dispatcher) SetSender(sender Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sender = sender
}

// RegisterWorker records a connecting worker's declared task set (Worker
// Registry D) and starts the dispatch loop if it isn't already running.
func (d *Dispatcher) RegisterWorker(ctx context.Context, msg ReadyForTasksMessage) (*runs.BackgroundWorkerVersion, error) {
	defaultRetry := runs.RetryConfig{MaxAttempts: d.cfg.DefaultMaxAttempts}.MergeDefaults(runs.DefaultRetryConfig())

	declared := make([]registry.RegisteredTask, 0, len(msg.Tasks))
	for _, t := range msg.Tasks {
		retry := runs.RetryConfig{MaxAttempts: t.MaxAttempts}.MergeDefaults(defaultRetry)
		declared = append(declared, registry.RegisteredTask{
			Slug:       t.Slug,
			FilePath:   t.FilePath,
			ExportName: t.ExportName,
			Retry:      retry,
		})
	}

	wv, err := d.registry.Register(ctx, d.env.ID, msg.Version, msg.ContentHash, declared, msg.QueueName)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.queueName = msg.QueueName
	d.mu.Unlock()

	d.start()
	return wv, nil
}

func (d *Dispatcher) start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enabled {
		return
	}
	d.enabled = true
	d.stopCh = make(chan struct{})
	go d.loop(d.stopCh)
}

// Stop disables the loop. Stop and runIteration both hold d.mu, so Stop waits
// for an iteration in progress to finish; an iteration that begins after Stop
// and reaches the abort checkpoint (step 8) releases its lock, nacks, and
// returns. No further iteration is scheduled. In-flight completion handlers
// are unaffected.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.enabled {
		return
	}
	d.enabled = false
	close(d.stopCh)
}

// loop drives single-in-flight iterations, rescheduling itself with a timer
// after each one completes: one cooperative goroutine per connection rather
// than a fixed-size worker pool.
func (d *Dispatcher) loop(stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		delay := d.runIteration(stopCh)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-stopCh:
			timer.Stop()
			return
		}
	}
}

// runIteration executes one pass of the 11-step algorithm, returning how
// long the loop should wait before the next pass.
func (d *Dispatcher) runIteration(stopCh chan struct{}) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx := d.ensureWindow()

	// Step 1: dequeue.
	msg, err := d.queueClient.Dequeue(ctx, d.env.ID, d.queueName, d.consumerID)
	if errors.Is(err, queue.ErrEmpty) {
		return resumeDelayEmpty
	}
	if err != nil {
		logger.Error().Err(err).Str("environment_id", d.env.ID).Msg("dispatch: dequeue failed")
		return resumeDelayEmpty
	}

	start := time.Now()
	delay := d.dispatchMessage(ctx, msg, stopCh)
	metrics.RecordDispatchLatency(msg.QueueName, time.Since(start).Seconds())
	return delay
}

// dispatchMessage runs steps 2-11 against one dequeued message. Caller holds
// d.mu.
func (d *Dispatcher) dispatchMessage(ctx context.Context, msg *queue.Message, stopCh chan struct{}) time.Duration {
	log := logger.WithRun(msg.RunID)

	// Step 2: parse.
	var payload QueuePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Type != queuePayloadTypeExecute {
		log.Warn().Msg("dispatch: poison message, acking without redelivery")
		d.ackQuiet(ctx, msg)
		return resumeDelayFast
	}

	// Step 3: resolve run.
	run, err := d.store.GetRun(ctx, msg.RunID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("dispatch: run row missing, acking")
		d.ackQuiet(ctx, msg)
		return resumeDelayFast
	}
	if err != nil {
		log.Error().Err(err).Msg("dispatch: get run failed")
		d.ackQuiet(ctx, msg)
		return resumeDelayFast
	}

	// Steps 4-5: select worker version and match task. Resolve folds both:
	// no registered version and no matching task both surface as
	// ErrNoWorkerRegistered/ErrTaskNotRegistered and take the same ack
	// branch, since neither has anywhere useful to retry to.
	wv, task, err := d.registry.Resolve(ctx, d.env.ID, payload.TaskIdentifier, run.LockedToVersionID)
	if err != nil {
		log.Warn().Err(err).Str("task_slug", payload.TaskIdentifier).Msg("dispatch: no worker can serve this run")
		d.ackQuiet(ctx, msg)
		return resumeDelayFast
	}

	// Step 7 (resolved early so a missing queue row nacks before we touch
	// the lock): resolve queue row.
	queueRow, err := d.store.GetQueue(ctx, d.env.ID, run.QueueName)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("dispatch: queue row missing, nacking for redelivery")
		_ = d.queueClient.Nack(ctx, msg, nil)
		return resumeDelayEmpty
	}
	if err != nil {
		log.Error().Err(err).Msg("dispatch: get queue failed")
		_ = d.queueClient.Nack(ctx, msg, nil)
		return resumeDelayEmpty
	}

	// Step 6 + 9: lock the run and create the attempt atomically. The
	// attempt, not a separate task reference, is what the lock is keyed by
	// downstream (store.ReleaseRunLock(ctx, runID, attemptID)) — a
	// deliberate simplification from the task-keyed lock described in the
	// original algorithm, since the attempt already uniquely identifies
	// which execution holds the lock.
	attempt, err := d.store.LockRunAndCreateAttempt(ctx, run.ID, wv.ID, task.ID, queueRow.ID)
	if errors.Is(err, store.ErrLockConflict) {
		metrics.RecordLockConflict(run.QueueName)
		log.Warn().Msg("dispatch: run already locked, acking")
		d.ackQuiet(ctx, msg)
		return resumeDelayFast
	}
	if err != nil {
		log.Error().Err(err).Msg("dispatch: lock and create attempt failed")
		d.ackQuiet(ctx, msg)
		return resumeDelayFast
	}

	// Step 8: abort check.
	select {
	case <-stopCh:
		if relErr := d.store.ReleaseRunLock(ctx, run.ID, attempt.ID); relErr != nil {
			log.Error().Err(relErr).Msg("dispatch: failed to release run lock on stop")
		}
		_ = d.queueClient.Nack(ctx, msg, nil)
		return resumeDelayEmpty
	default:
	}

	// Step 10: build execution descriptor.
	descriptor := d.buildDescriptor(wv, task, attempt, run, queueRow)

	// Step 11: send.
	out, err := NewExecuteRunsMessage(wv.FriendlyID, ExecutePayload{Execution: descriptor, TraceContext: run.TraceContext})
	if err == nil {
		err = d.sender.Send(ctx, attempt, msg, out)
	}
	if err != nil {
		return d.rollbackAfterSendFailure(ctx, msg, run, attempt, log, err)
	}

	metrics.RecordRunSubmission(run.TaskSlug, run.QueueName)
	metrics.RecordTransportMessage("outbound", executeRunsType)
	d.window.RecordItem()
	return resumeDelayFast
}

// rollbackAfterSendFailure implements step 11's transport-failure branch:
// record the exception, force the window to roll over, transactionally
// release the lock and discard the attempt, and nack for redelivery.
func (d *Dispatcher) rollbackAfterSendFailure(ctx context.Context, msg *queue.Message, run *runs.TaskRun, attempt *runs.TaskRunAttempt, log zerolog.Logger, sendErr error) time.Duration {
	wrapped := fmt.Errorf("%w: %v", ErrSendFailed, sendErr)
	log.Error().Err(wrapped).Msg("dispatch: transport send failed, rolling back")
	d.tracer.RecordException(ctx, wrapped)
	d.forceRollover = true

	if relErr := d.store.ReleaseRunLock(ctx, run.ID, attempt.ID); relErr != nil {
		log.Error().Err(relErr).Msg("dispatch: failed to release run lock after send failure")
	}
	_ = d.queueClient.Nack(ctx, msg, nil)
	return resumeDelayFast
}

// ReleaseAbandoned releases a run's lock and discards its attempt when the
// connection that would have reported its outcome is gone before doing so,
// e.g. the worker disconnects mid-execution. Mirrors the rollback
// rollbackAfterSendFailure performs for a failed send; the transport calls
// this once per attempt still pending at connection close.
func (d *Dispatcher) ReleaseAbandoned(ctx context.Context, runID, attemptID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forceRollover = true
	return d.store.ReleaseRunLock(ctx, runID, attemptID)
}

// ackQuiet acks a message and logs only on failure; used by every branch
// where the ack itself isn't the interesting event.
func (d *Dispatcher) ackQuiet(ctx context.Context, msg *queue.Message) {
	if err := d.queueClient.Ack(ctx, msg); err != nil {
		logger.Error().Err(err).Str("run_id", msg.RunID).Msg("dispatch: ack failed")
	}
}

// ensureWindow consults the Trace Window before the iteration and rolls it
// over if any of its four conditions hold, returning the context the
// iteration's store/queue/transport calls should carry as the active trace
// parent.
func (d *Dispatcher) ensureWindow() context.Context {
	if d.window.ShouldRollover(d.forceRollover) {
		d.closeWindow()
		d.openWindow()
	}
	d.forceRollover = false
	return d.traceCtx
}

func (d *Dispatcher) closeWindow() {
	if d.currentSpan != nil {
		successes, failures := d.window.Counts()
		d.currentSpan.SetAttributes(map[string]string{
			"tasks.period.successes": fmt.Sprintf("%d", successes),
			"tasks.period.failures":  fmt.Sprintf("%d", failures),
		})
		d.currentSpan.End()
	}
	d.window.Close()
}

func (d *Dispatcher) openWindow() {
	ctx, span := d.tracer.StartSpan(context.Background(), d.env.ID, "dispatch.window", map[string]string{
		"environment.id":  d.env.ID,
		"organization.id": d.env.OrganizationID,
		"project.id":      d.env.ProjectID,
	})
	d.traceCtx = ctx
	d.currentSpan = span
	d.window.Open()
}

func (d *Dispatcher) buildDescriptor(wv *runs.BackgroundWorkerVersion, task *runs.BackgroundWorkerTask, attempt *runs.TaskRunAttempt, run *runs.TaskRun, q *runs.TaskQueue) ExecutionDescriptor {
	return ExecutionDescriptor{
		Task: DescriptorTask{ID: task.FriendlyID, FilePath: task.FilePath, ExportName: task.ExportName},
		Attempt: DescriptorAttempt{
			ID:                     attempt.FriendlyID,
			Number:                 attempt.Number,
			StartedAt:              attempt.CreatedAt,
			BackgroundWorkerID:     wv.FriendlyID,
			BackgroundWorkerTaskID: task.FriendlyID,
			Status:                 "EXECUTING",
		},
		Run: DescriptorRun{
			ID:          run.FriendlyID,
			Payload:     run.Payload,
			PayloadType: run.PayloadType,
			Context:     run.Context,
			CreatedAt:   run.CreatedAt,
			Tags:        run.Tags,
		},
		Queue:        DescriptorQueue{ID: q.FriendlyID, Name: q.Name},
		Environment:  DescriptorEnvironment{ID: d.env.ID, Slug: d.env.Slug, Type: d.env.Type},
		Organization: DescriptorOrganization{ID: d.env.OrganizationID, Slug: d.env.OrganizationSlug, Name: d.env.OrganizationName},
		Project:      DescriptorProject{ID: d.env.ProjectID, Ref: d.env.ProjectRef, Slug: d.env.ProjectSlug, Name: d.env.ProjectName},
	}
}
