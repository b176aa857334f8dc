// Package logging builds the zap loggers used across signalbox.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/zulandar/signalbox/internal/config"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// New creates a zap logger writing to stdout. Format "auto" picks the
// console encoder when stdout is a terminal and JSON otherwise.
func New(cfg config.LogConfig) *zap.Logger {
	return newWithSink(cfg, zapcore.Lock(os.Stdout), term.IsTerminal(int(os.Stdout.Fd())))
}

func newWithSink(cfg config.LogConfig, sink zapcore.WriteSyncer, tty bool) *zap.Logger {
	core := zapcore.NewCore(encoder(cfg.Format, tty), sink, ParseLevel(cfg.Level))
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
}

// ParseLevel converts a level name into a zapcore.Level. Unknown names map
// to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
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

func encoder(format string, tty bool) zapcore.Encoder {
	ec := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout(timeLayout),
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == "console" || (format == "auto" && tty) {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// OrNop returns l, or a no-op logger when l is nil. Components accept a nil
// logger in their options.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
