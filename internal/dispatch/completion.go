package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maumercado/taskrun-dispatcher/internal/logger"
	"github.com/maumercado/taskrun-dispatcher/internal/metrics"
	"github.com/maumercado/taskrun-dispatcher/internal/queue"
	"github.com/maumercado/taskrun-dispatcher/internal/runs"
	"github.com/maumercado/taskrun-dispatcher/internal/store"
)

// CompletionHandler reacts to the worker's outcome messages for attempts a
// Dispatcher handed off. It shares the Dispatcher's mutex so a completion
// callback never interleaves with a dispatch-loop step, per the concurrency
// model: one dispatcher-owned operation runs at a time.
type CompletionHandler struct {
	d *Dispatcher
}

// NewCompletionHandler builds a handler bound to one Dispatcher's store,
// queue client, tracer, and window.
func NewCompletionHandler(d *Dispatcher) *CompletionHandler {
	return &CompletionHandler{d: d}
}

// pendingMessage is the queue handle a completion needs to ack or nack. The
// dispatch loop doesn't retain queue.Message past step 11's send, so the
// transport layer is expected to have kept it (keyed by friendly attempt ID)
// since it owns the inbound/outbound message lifecycle for the connection.
type pendingMessage = *queue.Message

// OnCompleted implements the onCompleted(runAttemptId, completion, queueMsg)
// operation from the Completion Handler spec: finalize the attempt, update
// the window's success/failure counters, and either ack or schedule a retry
// nack depending on the worker's reported outcome.
func (h *CompletionHandler) OnCompleted(ctx context.Context, friendlyAttemptID string, completion TaskRunCompletion, msg pendingMessage) error {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()

	attempt, task, err := h.lookupAttempt(ctx, friendlyAttemptID)
	if err != nil {
		return err
	}

	sm := runs.NewAttemptStateMachine(attempt)
	startedAt := attempt.CreatedAt
	if attempt.StartedAt != nil {
		startedAt = *attempt.StartedAt
	}

	if completion.OK {
		if err := sm.Complete(completion.Output); err != nil {
			return fmt.Errorf("dispatch: complete attempt: %w", err)
		}
		attempt.OutputType = completion.OutputType
		h.d.window.RecordSuccess()
		if err := h.d.store.UnlockRunAndFinalizeAttempt(ctx, attempt, runs.RunStatusCompleted); err != nil {
			return fmt.Errorf("dispatch: finalize completed attempt: %w", err)
		}
		metrics.RecordRunCompletion(task.Slug, "completed", time.Since(startedAt).Seconds())
		return h.d.queueClient.Ack(ctx, msg)
	}

	h.d.window.RecordFailure()

	if completion.Retry != nil {
		if err := sm.Fail(completion.Error, &completion.Retry.Timestamp); err != nil {
			return fmt.Errorf("dispatch: fail attempt for retry: %w", err)
		}
		if err := h.d.store.UnlockRunAndFinalizeAttempt(ctx, attempt, runs.RunStatusRetryingAfterFailure); err != nil {
			return fmt.Errorf("dispatch: finalize retried attempt: %w", err)
		}

		retry := task.Retry.MergeDefaults(runs.DefaultRetryConfig())
		nextNumber := attempt.Number + 1
		seed := fmt.Sprintf("retry-%d", nextNumber)
		message := retry.RetryMessage(attempt.Number)
		h.d.tracer.RecordRetryEvent(ctx, attempt.RunID, seed, message, nextNumber, completion.Retry.Timestamp)
		logger.WithAttempt(attempt.FriendlyID).Info().
			Str("message", message).
			Time("next_retry_at", completion.Retry.Timestamp).
			Msg("dispatch: " + message)

		metrics.RecordRetryScheduled(task.Slug)
		return h.d.queueClient.Nack(ctx, msg, &completion.Retry.Timestamp)
	}

	if err := sm.Fail(completion.Error, nil); err != nil {
		return fmt.Errorf("dispatch: fail attempt: %w", err)
	}
	if err := h.d.store.UnlockRunAndFinalizeAttempt(ctx, attempt, runs.RunStatusFailed); err != nil {
		return fmt.Errorf("dispatch: finalize failed attempt: %w", err)
	}
	metrics.RecordRunCompletion(task.Slug, "failed", time.Since(startedAt).Seconds())
	return h.d.queueClient.Ack(ctx, msg)
}

// OnHeartbeat implements onHeartbeat(runAttemptId, extendSeconds): it calls
// queueClient.Heartbeat so the worker isn't treated as crashed while a run
// is genuinely still executing (the Redis adapter re-claims the message,
// resetting its pending idle time). extendSeconds is normalized to
// defaultHeartbeatExtendSeconds when absent but is not passed to the queue:
// Client.Heartbeat takes no duration, so the value does not change how long
// the message stays invisible. A heartbeat for an attempt this
// dispatcher no longer knows about (already finalized, or never ours) is a
// silent no-op, not an error.
func (h *CompletionHandler) OnHeartbeat(ctx context.Context, friendlyAttemptID string, extendSeconds int, msg pendingMessage) {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()

	if msg == nil {
		return
	}
	if extendSeconds <= 0 {
		extendSeconds = defaultHeartbeatExtendSeconds
	}
	if err := h.d.queueClient.Heartbeat(ctx, msg, h.d.consumerID); err != nil {
		logger.WithAttempt(friendlyAttemptID).Warn().Err(err).Msg("dispatch: heartbeat extend failed")
	}
}

// lookupAttempt resolves a friendly attempt ID to its attempt row and the
// task it executed against, so retry defaults and metrics labels are
// available without the caller threading them through the transport frame.
func (h *CompletionHandler) lookupAttempt(ctx context.Context, friendlyAttemptID string) (*runs.TaskRunAttempt, *runs.BackgroundWorkerTask, error) {
	attempt, err := h.d.store.GetAttemptByFriendlyID(ctx, friendlyAttemptID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("dispatch: %w: attempt %s", store.ErrNotFound, friendlyAttemptID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dispatch: get attempt: %w", err)
	}

	run, err := h.d.store.GetRun(ctx, attempt.RunID)
	if err != nil {
		return nil, nil, fmt.Errorf("dispatch: get run for attempt: %w", err)
	}

	task, err := h.d.store.GetWorkerTask(ctx, attempt.WorkerVersionID, run.TaskSlug)
	if err != nil {
		return nil, nil, fmt.Errorf("dispatch: get worker task for attempt: %w", err)
	}

	return attempt, task, nil
}

