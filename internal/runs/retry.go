package runs

import (
	"fmt"
)

// RetryConfig carries no CalculateBackoff/NextRetryTime/GetRetryInfo method:
// the worker, not the dispatcher, decides the next retry timestamp and
// reports it on the completion message. The dispatcher only needs to know
// how many attempts a run is allowed and how to format the retry message it
// logs and traces.
type RetryConfig struct {
	MaxAttempts int
	// These are stored with the task but are not included in the execution
	// descriptor; the dispatcher itself never computes a delay from them.
	MinBackoffSeconds int
	MaxBackoffSeconds int
	Factor            float64
}

// DefaultRetryConfig returns the baseline retry settings applied whenever a
// run or task doesn't declare its own.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		MinBackoffSeconds: 1,
		MaxBackoffSeconds: 300,
		Factor:            2.0,
	}
}

// MergeDefaults fills any zero-valued fields of r from the default config.
// A BackgroundWorkerTask registers its own RetryConfig; a task declared
// without one falls back to the dispatcher's default, and a TaskRun
// submitted through the API is merged over DefaultRetryConfig.
func (r RetryConfig) MergeDefaults(def RetryConfig) RetryConfig {
	out := r
	if out.MaxAttempts == 0 {
		out.MaxAttempts = def.MaxAttempts
	}
	if out.MinBackoffSeconds == 0 {
		out.MinBackoffSeconds = def.MinBackoffSeconds
	}
	if out.MaxBackoffSeconds == 0 {
		out.MaxBackoffSeconds = def.MaxBackoffSeconds
	}
	if out.Factor == 0 {
		out.Factor = def.Factor
	}
	return out
}

// AttemptsExhausted reports whether attemptNumber has used up the allowed
// attempts for this config.
func (r RetryConfig) AttemptsExhausted(attemptNumber int) bool {
	return attemptNumber >= r.MaxAttempts
}

// RetryMessage formats the "Retry N/MAX delay" message logged and traced on
// each retried attempt. The denominator is the total number of retries
// allowed (MaxAttempts-1), not MaxAttempts itself: a 3-attempt config
// allows 2 retries, so attempt 1 reports "Retry 1/2 delay".
func (r RetryConfig) RetryMessage(attemptNumber int) string {
	if r.AttemptsExhausted(attemptNumber) {
		return "retries exhausted"
	}
	return formatRetryMessage(attemptNumber, r.MaxAttempts-1)
}

func formatRetryMessage(attempt, max int) string {
	return fmt.Sprintf("Retry %d/%d delay", attempt, max)
}
