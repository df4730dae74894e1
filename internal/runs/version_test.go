package runs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b     string
		expected int
	}{
		{"20240101.1", "20240101.1", 0},
		{"20240101.2", "20240101.10", -1},
		{"20240101.10", "20240101.2", 1}, // the bug this replaces: string compare says the opposite
		{"20240101.1", "20240102.1", -1},
		{"20240102.1", "20240101.9", 1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.expected, CompareVersions(tt.a, tt.b))
		})
	}
}
