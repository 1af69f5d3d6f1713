package tempest

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewProductionLogger builds the default zap logger used when a
// caller doesn't supply their own: JSON, info level, matching the
// pack's convention of a single shared *zap.Logger threaded through
// connection and server constructors rather than a package-global.
func NewProductionLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}

// NewLoggerAtLevel builds a production zap logger at the level named
// by levelName (Options.LogLevel), e.g. "debug", "info", "warn",
// "error". An empty levelName defaults to info; an unrecognized one
// is returned as an error.
func NewLoggerAtLevel(levelName string) (*zap.Logger, error) {
	var level zapcore.Level
	if levelName != "" {
		if err := level.UnmarshalText([]byte(levelName)); err != nil {
			return nil, err
		}
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// nopLogger returns a *zap.Logger that discards everything, the
// fallback used throughout this package when a constructor is handed
// a nil logger.
func nopLogger(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
