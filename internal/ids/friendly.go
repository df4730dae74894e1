// Package ids generates the friendly, URL-safe identifiers that cross the
// boundary to remote workers. Internal database identifiers never leave the
// process; every outward-facing reference is a friendly ID instead.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes follow the convention of the canonical entity they identify, so a
// friendly ID is self-describing without a lookup.
const (
	PrefixRun      = "run"
	PrefixAttempt  = "attempt"
	PrefixWorker   = "worker"
	PrefixQueue    = "queue"
	PrefixTask     = "task"
	PrefixProject  = "proj"
)

// New generates a friendly ID with the given prefix, e.g. "run_8f3c2a1b9e4d4c7a9b10".
func New(prefix string) string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return prefix + "_" + raw[:20]
}
