package observability

import (
	"go.uber.org/zap"
)

// Logger is the logging surface used by the core packages. It is satisfied by
// both *logging.Logger (gofulmen) and *zap.Logger so tests can pass zap.NewNop().
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

// OrNop returns logger, or a no-op logger when logger is nil.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// Server returns the server logger when initialized, otherwise a no-op logger.
func Server() Logger {
	if ServerLogger == nil {
		return zap.NewNop()
	}
	return ServerLogger
}
