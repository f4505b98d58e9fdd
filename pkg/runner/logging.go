package runner

import (
	"go.uber.org/zap"

	"github.com/wehubfusion/Arbor/pkg/engine/logging"
)

// ZapLogger adapts a zap logger to the engine's logging interface so engine
// and transform internals log through the service logger.
func ZapLogger(l *zap.Logger) logging.Logger {
	if l == nil {
		return &logging.NoOpLogger{}
	}
	return &zapLogger{l: l}
}

type zapLogger struct {
	l *zap.Logger
}

func (z *zapLogger) Debug(msg string, fields ...logging.Field) { z.l.Debug(msg, zapFields(fields)...) }
func (z *zapLogger) Info(msg string, fields ...logging.Field)  { z.l.Info(msg, zapFields(fields)...) }
func (z *zapLogger) Warn(msg string, fields ...logging.Field)  { z.l.Warn(msg, zapFields(fields)...) }
func (z *zapLogger) Error(msg string, fields ...logging.Field) { z.l.Error(msg, zapFields(fields)...) }

func zapFields(fields []logging.Field) []zap.Field {
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = zap.Any(f.Key, f.Value)
	}
	return out
}
