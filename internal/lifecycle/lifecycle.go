// Package lifecycle holds process-wide run state read by the health endpoint.
package lifecycle

import (
	"sync/atomic"
	"time"
)

var (
	shuttingDown atomic.Bool
	startedAt    atomic.Int64
)

func init() {
	MarkStarted(time.Now())
}

// SetShuttingDown sets the drain flag. Call when SIGTERM/SIGINT is received;
// health reports shutting-down with 503 while it is set.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// MarkStarted records when the service began serving. main calls it once the
// listener is up; until then the package init time is used.
func MarkStarted(t time.Time) {
	startedAt.Store(t.UnixNano())
}

func StartedAt() time.Time {
	return time.Unix(0, startedAt.Load())
}

// Uptime returns time since MarkStarted, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(StartedAt()).Truncate(time.Second)
}
