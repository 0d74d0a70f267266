package fluxcore

import "go.uber.org/zap"

// Logger is the structured logging seam used by the store, the worker pool
// and autoruns to report conditions that must never interrupt the run loop
// (handler panics, selector shape mismatches, dead references). It uses
// key-value pairs rather than a format string, so *slog.Logger satisfies it
// directly; zap is adapted by NewZapLogger below.
//
//	logger.Info("worker started", "index", 2, "threads", 4)
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// zapLogger adapts *zap.SugaredLogger to Logger.
type zapLogger struct {
	l *zap.SugaredLogger
}

// NewZapLogger wraps a *zap.Logger as a Logger. Pass zap.NewNop() in tests
// that don't care about log output.
func NewZapLogger(l *zap.Logger) Logger {
	return &zapLogger{l: l.Sugar()}
}

func (z *zapLogger) Info(msg string, args ...any)  { z.l.Infow(msg, args...) }
func (z *zapLogger) Error(msg string, args ...any) { z.l.Errorw(msg, args...) }
func (z *zapLogger) Warn(msg string, args ...any)  { z.l.Warnw(msg, args...) }
func (z *zapLogger) Debug(msg string, args ...any) { z.l.Debugw(msg, args...) }

// noopLogger discards everything; used as the Store's default when no
// Logger option is supplied.
type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Debug(string, ...any) {}
