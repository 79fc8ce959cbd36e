// Package logging builds the zap loggers used by the bus daemon and the chat client.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel converts a level name to a zap level. Unknown names map to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New creates a JSON logger writing to the given paths (stderr when empty).
func New(level string, outputPaths ...string) (*zap.Logger, error) {
	if len(outputPaths) == 0 {
		outputPaths = []string{"stderr"}
	}
	debug := ParseLevel(level) == zapcore.DebugLevel

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(ParseLevel(level)),
		Development:       debug,
		DisableCaller:     !debug,
		DisableStacktrace: !debug,
		Encoding:          "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}
