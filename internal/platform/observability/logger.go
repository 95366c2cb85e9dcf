// Package observability wires structured logging, tracing and request logging for the
// HTTP surface.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// cloudLoggingEncoder uses the field names Cloud Logging promotes from JSON payloads.
var cloudLoggingEncoder = zapcore.EncoderConfig{
	MessageKey:     "message",
	TimeKey:        "time",
	LevelKey:       "severity",
	NameKey:        "logger",
	CallerKey:      "caller",
	StacktraceKey:  "stacktrace",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeTime:     zapcore.ISO8601TimeEncoder,
	EncodeLevel:    zapcore.CapitalLevelEncoder,
	EncodeDuration: zapcore.MillisDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
}

// NewLogger returns a JSON logger on stdout. Blank or unknown levels mean info.
func NewLogger(level string) (*zap.Logger, error) {
	return newLogger(level, zapcore.Lock(os.Stdout)), nil
}

func newLogger(level string, sink zapcore.WriteSyncer) *zap.Logger {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil || strings.TrimSpace(level) == "" {
		lvl = zapcore.InfoLevel
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cloudLoggingEncoder), sink, lvl)
	return zap.New(core,
		zap.AddCaller(),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
	)
}
