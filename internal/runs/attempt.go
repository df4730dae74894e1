package runs

import (
	"errors"
	"time"
)

var (
	// ErrInvalidTransition reports that a caller asked for a transition that
	// ValidAttemptTransitions forbids.
	ErrInvalidTransition = errors.New("runs: invalid attempt state transition")
	ErrRunAlreadyLocked  = errors.New("runs: run already locked by another attempt")
	ErrRunNotLocked      = errors.New("runs: run is not locked by this attempt")
	ErrRunNotFound       = errors.New("runs: run not found")
	ErrAttemptNotFound   = errors.New("runs: attempt not found")
)

// ValidAttemptTransitions defines the allowed AttemptStatus transitions. An
// attempt never transitions back to pending: a retry is a brand new attempt
// row, not a state reset, so the history of every execution is preserved.
var ValidAttemptTransitions = map[AttemptStatus][]AttemptStatus{
	AttemptStatusPending:   {AttemptStatusExecuting},
	AttemptStatusExecuting: {AttemptStatusCompleted, AttemptStatusFailed},
	AttemptStatusCompleted: {},
	AttemptStatusFailed:    {},
}

// CanTransitionTo reports whether a transition from s to target is allowed.
func (s AttemptStatus) CanTransitionTo(target AttemptStatus) bool {
	for _, v := range ValidAttemptTransitions[s] {
		if v == target {
			return true
		}
	}
	return false
}

// AttemptStateMachine mutates a single attempt's status, keeping its
// timestamps consistent with the transition being made.
type AttemptStateMachine struct {
	attempt *TaskRunAttempt
}

func NewAttemptStateMachine(a *TaskRunAttempt) *AttemptStateMachine {
	return &AttemptStateMachine{attempt: a}
}

func (sm *AttemptStateMachine) transition(target AttemptStatus) error {
	if !sm.attempt.Status.CanTransitionTo(target) {
		return ErrInvalidTransition
	}
	sm.attempt.Status = target
	return nil
}

// Start marks a pending attempt executing. Attempts built by NewAttempt are
// already executing, so the dispatch path does not call it.
func (sm *AttemptStateMachine) Start() error {
	if err := sm.transition(AttemptStatusExecuting); err != nil {
		return err
	}
	now := time.Now().UTC()
	sm.attempt.StartedAt = &now
	return nil
}

// Complete marks the attempt completed with the worker-supplied output.
func (sm *AttemptStateMachine) Complete(output []byte) error {
	if err := sm.transition(AttemptStatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	sm.attempt.CompletedAt = &now
	sm.attempt.Output = output
	return nil
}

// Fail marks the attempt failed. nextRetryAt is whatever the worker reported
// in its completion message; a nil value means the worker decided not to
// retry (or the run has exhausted MaxAttempts).
func (sm *AttemptStateMachine) Fail(errMsg string, nextRetryAt *time.Time) error {
	if err := sm.transition(AttemptStatusFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	sm.attempt.CompletedAt = &now
	sm.attempt.Error = errMsg
	sm.attempt.NextRetryAt = nextRetryAt
	return nil
}

// Lock acquires the run's execution lock for the given attempt, failing if
// another attempt already holds it. This is the invariant that guarantees at
// most one in-flight execution per run.
func Lock(run *TaskRun, attemptID string) error {
	if run.Locked() && run.LockedBy != attemptID {
		return ErrRunAlreadyLocked
	}
	run.LockedBy = attemptID
	run.Status = RunStatusExecuting
	run.UpdatedAt = time.Now().UTC()
	return nil
}

// Unlock releases the run's execution lock, transitioning it to the given
// terminal or pending-retry status.
func Unlock(run *TaskRun, attemptID string, next RunStatus) error {
	if run.LockedBy != attemptID {
		return ErrRunNotLocked
	}
	run.LockedBy = ""
	run.Status = next
	run.UpdatedAt = time.Now().UTC()
	if next.IsFinal() {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}
	return nil
}
