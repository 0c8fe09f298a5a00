package observability

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// syncWriter is a log sink whose Sync returns err after release is closed.
type syncWriter struct {
	err     error
	release chan struct{}
}

func (w *syncWriter) Write(p []byte) (int, error) { return len(p), nil }

func (w *syncWriter) Sync() error {
	if w.release != nil {
		<-w.release
	}
	return w.err
}

func loggerOn(w *syncWriter) *zap.Logger {
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), zap.InfoLevel))
}

func TestFlushTelemetry(t *testing.T) {
	tests := []struct {
		name    string
		logger  *zap.Logger
		wantErr bool
	}{
		{"nil logger", nil, false},
		{"nop logger", zap.NewNop(), false},
		{"terminal stderr", loggerOn(&syncWriter{err: syscall.ENOTTY}), false},
		{"invalid argument", loggerOn(&syncWriter{err: syscall.EINVAL}), false},
		{"real failure", loggerOn(&syncWriter{err: syscall.EIO}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FlushTelemetry(context.Background(), tt.logger)
			if (err != nil) != tt.wantErr {
				t.Errorf("FlushTelemetry() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFlushTelemetry_HonoursDeadline(t *testing.T) {
	w := &syncWriter{release: make(chan struct{})}
	defer close(w.release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := FlushTelemetry(ctx, loggerOn(w))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("FlushTelemetry() error = %v, want context.DeadlineExceeded", err)
	}
}
