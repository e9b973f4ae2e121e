package telemetry

import (
	"context"

	"go.uber.org/zap"
)

// zapLogger adapts a *zap.SugaredLogger to the Logger interface. keyvals
// follow zap's structured logging convention: alternating key, value pairs.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps the given zap logger. A nil logger falls back to
// zap.NewNop() so callers never need to guard against a bad construction.
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &zapLogger{sugar: l.Sugar()}
}

func (z *zapLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	z.sugar.Debugw(msg, keyvals...)
}

func (z *zapLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	z.sugar.Infow(msg, keyvals...)
}

func (z *zapLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	z.sugar.Warnw(msg, keyvals...)
}

func (z *zapLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	z.sugar.Errorw(msg, keyvals...)
}
