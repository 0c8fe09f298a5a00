package observability

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.uber.org/zap"
)

// FlushTelemetry syncs the logger before process exit, giving up when ctx is
// done. Prometheus is pull-based, so there are no metric buffers to flush.
// Call during graceful shutdown after in-flight requests have drained.
func FlushTelemetry(ctx context.Context, logger *zap.Logger) error {
	if logger == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- logger.Sync() }()

	select {
	case err := <-done:
		if err != nil && !unsyncableOutput(err) {
			return fmt.Errorf("flush logs: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush logs: %w", ctx.Err())
	}
}

// unsyncableOutput reports the errors fsync returns for terminals and pipes,
// which is where stderr usually points.
func unsyncableOutput(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
