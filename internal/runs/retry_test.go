package runs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryConfig_MergeDefaults(t *testing.T) {
	def := DefaultRetryConfig()

	partial := RetryConfig{MaxAttempts: 5}
	merged := partial.MergeDefaults(def)

	assert.Equal(t, 5, merged.MaxAttempts)
	assert.Equal(t, def.MinBackoffSeconds, merged.MinBackoffSeconds)
	assert.Equal(t, def.MaxBackoffSeconds, merged.MaxBackoffSeconds)
	assert.Equal(t, def.Factor, merged.Factor)
}

func TestRetryConfig_AttemptsExhausted(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3}
	assert.False(t, cfg.AttemptsExhausted(1))
	assert.False(t, cfg.AttemptsExhausted(2))
	assert.True(t, cfg.AttemptsExhausted(3))
	assert.True(t, cfg.AttemptsExhausted(4))
}

func TestRetryConfig_RetryMessage(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3}
	assert.Equal(t, "Retry 1/2 delay", cfg.RetryMessage(1))
	assert.Equal(t, "Retry 2/2 delay", cfg.RetryMessage(2))
	assert.Equal(t, "retries exhausted", cfg.RetryMessage(3))
}
