// Package logger builds the zap loggers used across the runtime.
package logger

import (
	"fmt"

	"go.uber.org/zap"
)

// New returns a production JSON logger at the given verbosity.
func New(verbosity string) (*zap.Logger, error) {
	return NewWithEncoding(verbosity, "json")
}

// NewWithEncoding returns a production logger at the given verbosity using
// encoding "json" or "console". Console output is meant for the CLI.
func NewWithEncoding(verbosity, encoding string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level

	switch encoding {
	case "", "json":
	case "console":
		config.Encoding = "console"
		config.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	default:
		return nil, fmt.Errorf("unknown log encoding %q", encoding)
	}
	return config.Build()
}

// OrNop returns log, or a no-op logger when log is nil.
func OrNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
