// Package logging provides the process-wide structured logger.
package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger names used by the controller components
const (
	NameEngine   = "engine"
	NameCloud    = "cloud"
	NameClock    = "clock"
	NamePump     = "pump"
	NameSensor   = "sensor"
	NameSelfTest = "selftest"
	NameDisplay  = "display"
	NameStorage  = "storage"
	NameNetcheck = "netcheck"
)

// Options controls how the base logger is built
type Options struct {
	Level       string // debug, info, warn, error
	File        string // rotated JSON log file; empty disables the file core
	Development bool   // adds a console core
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
}

var (
	mu   sync.Mutex
	base *zap.Logger
)

// Init builds the base logger. It may be called again to reconfigure.
func Init(opts Options) error {
	level := zap.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return err
		}
	}

	var cores []zapcore.Core

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return err
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 5), // megabytes
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 14), // days
			Compress:   true,
		}
		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.AddSync(rotator),
			level,
		))
	}

	if opts.Development || opts.File == "" {
		consoleEncoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	mu.Lock()
	base = logger
	mu.Unlock()
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func get() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		base, _ = zap.NewDevelopment()
	}
	return base
}

// Named returns a child logger for a component
func Named(name string, fields ...zap.Field) *zap.Logger {
	return get().Named(name).With(fields...)
}

// Sync flushes buffered log entries
func Sync() {
	_ = get().Sync()
}

// SetNop discards all log output. Intended for tests.
func SetNop() {
	mu.Lock()
	base = zap.NewNop()
	mu.Unlock()
}

// SetCapture writes JSON log lines into buf. Intended for tests.
func SetCapture(buf *bytes.Buffer, level zapcore.Level) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(buf), level)

	mu.Lock()
	base = zap.New(core)
	mu.Unlock()
}
