package trace

import "time"

// Window implements the trace rollover protocol: a single trace span covers
// a bounded batch of dispatch events, and must roll over to a fresh span
// when any of four conditions hold: the item budget is exhausted, the
// timeout since the window opened has elapsed, no span is currently open, or
// the caller forces a rollover (e.g. on worker disconnect).
type Window struct {
	maxItems  int
	timeout   time.Duration
	remaining int
	openedAt  time.Time
	spanOpen  bool
	nowFunc   func() time.Time

	successes int
	failures  int
}

func NewWindow(maxItems int, timeout time.Duration) *Window {
	return &Window{
		maxItems: maxItems,
		timeout:  timeout,
		nowFunc:  time.Now,
	}
}

// Open starts a fresh window, resetting the item budget, the clock, and the
// success/failure counters.
func (w *Window) Open() {
	w.remaining = w.maxItems
	w.openedAt = w.nowFunc()
	w.spanOpen = true
	w.successes = 0
	w.failures = 0
}

// RecordSuccess increments the window's completion-success counter,
// annotated on the span when the window closes.
func (w *Window) RecordSuccess() {
	w.successes++
}

// RecordFailure increments the window's completion-failure counter.
func (w *Window) RecordFailure() {
	w.failures++
}

// Counts returns the successes and failures recorded since the window last
// opened.
func (w *Window) Counts() (successes, failures int) {
	return w.successes, w.failures
}

// RecordItem consumes one unit of the window's item budget. Call
// ShouldRollover after to decide whether the caller must close the
// underlying span and Open a new one before recording the next item.
func (w *Window) RecordItem() {
	if w.remaining > 0 {
		w.remaining--
	}
}

// ShouldRollover reports whether the window must roll over before accepting
// another item, per the four-condition protocol described on Window.
func (w *Window) ShouldRollover(forceRollover bool) bool {
	if forceRollover {
		return true
	}
	if !w.spanOpen {
		return true
	}
	if w.remaining <= 0 {
		return true
	}
	if w.nowFunc().Sub(w.openedAt) >= w.timeout {
		return true
	}
	return false
}

// Close marks the window's span as closed without opening a new one.
func (w *Window) Close() {
	w.spanOpen = false
}
