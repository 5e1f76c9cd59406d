// Package logging builds the zap logger shared by the manager, workers,
// and protocol layer from the configured syslog-style level.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/calvinalkan/hlld/internal/config"
)

// New builds a production-style zap logger (JSON encoding, ISO8601
// timestamps) at the level named by level.
func New(level config.LogLevel) (*zap.Logger, error) {
	zapLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build zap logger: %w", err)
	}

	return logger, nil
}

func parseLevel(level config.LogLevel) (zapcore.Level, error) {
	switch level {
	case config.LogDebug:
		return zapcore.DebugLevel, nil
	case config.LogInfo:
		return zapcore.InfoLevel, nil
	case config.LogWarn:
		return zapcore.WarnLevel, nil
	case config.LogError:
		return zapcore.ErrorLevel, nil
	case config.LogCritical:
		// zap has no distinct "critical"; DPanic matches the severity
		// (logs at error level in production, panics only in development).
		return zapcore.DPanicLevel, nil
	default:
		return 0, fmt.Errorf("logging: unrecognised level %q", level)
	}
}
