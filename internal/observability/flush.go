package observability

import (
	"fmt"

	"go.uber.org/zap"
)

// FlushTelemetry flushes buffered logs before exit. Prometheus is pull-based so
// metrics need no flush. Call after in-flight requests have drained.
func FlushTelemetry(logger *zap.Logger) error {
	if logger == nil {
		return nil
	}
	if err := logger.Sync(); err != nil {
		return fmt.Errorf("flush logs: %w", err)
	}
	return nil
}
