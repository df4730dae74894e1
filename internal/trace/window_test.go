package trace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindow_RollsOverWhenItemsExhausted(t *testing.T) {
	w := NewWindow(2, time.Hour)
	w.Open()

	assert.False(t, w.ShouldRollover(false))
	w.RecordItem()
	assert.False(t, w.ShouldRollover(false))
	w.RecordItem()
	assert.True(t, w.ShouldRollover(false))
}

func TestWindow_RollsOverOnTimeout(t *testing.T) {
	w := NewWindow(100, time.Millisecond)
	now := time.Now()
	w.nowFunc = func() time.Time { return now }
	w.Open()

	assert.False(t, w.ShouldRollover(false))
	now = now.Add(2 * time.Millisecond)
	assert.True(t, w.ShouldRollover(false))
}

func TestWindow_RollsOverWhenNoSpanOpen(t *testing.T) {
	w := NewWindow(100, time.Hour)
	assert.True(t, w.ShouldRollover(false))
}

func TestWindow_ForcedRollover(t *testing.T) {
	w := NewWindow(100, time.Hour)
	w.Open()
	assert.True(t, w.ShouldRollover(true))
}

func TestWindow_CloseThenRolloverRequired(t *testing.T) {
	w := NewWindow(100, time.Hour)
	w.Open()
	w.Close()
	assert.True(t, w.ShouldRollover(false))
}

func TestWindow_CountsResetOnOpen(t *testing.T) {
	w := NewWindow(100, time.Hour)
	w.Open()
	w.RecordSuccess()
	w.RecordSuccess()
	w.RecordFailure()

	successes, failures := w.Counts()
	assert.Equal(t, 2, successes)
	assert.Equal(t, 1, failures)

	w.Open()
	successes, failures = w.Counts()
	assert.Equal(t, 0, successes)
	assert.Equal(t, 0, failures)
}
