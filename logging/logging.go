// Package logging builds the zap loggers used by the daemon and the tools.
package logging

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options select the level and an optional rotated log file.
type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger is a sugared logger together with the level it can be switched
// through at runtime.
type Logger struct {
	*zap.SugaredLogger
	Level zap.AtomicLevel

	file *lumberjack.Logger
}

// NewEncoderConfig is the console layout: ISO timestamps, no stack traces.
func NewEncoderConfig(color bool) zapcore.EncoderConfig {
	level := zapcore.CapitalLevelEncoder
	if color {
		level = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    level,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// ParseLevel accepts zap level names; "verbose" is an alias for debug.
func ParseLevel(name string) (zapcore.Level, error) {
	if name == "verbose" {
		return zapcore.DebugLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return lvl, errors.Errorf("unknown log level %q", name)
	}
	return lvl, nil
}

// New builds a logger writing to stderr and, when opts.File is set, to a file
// rotated by size.
func New(opts Options) (*Logger, error) {
	return newLogger(opts, os.Stderr)
}

func newLogger(opts Options, console io.Writer) (*Logger, error) {
	lvl := zapcore.InfoLevel
	if opts.Level != "" {
		var err error
		if lvl, err = ParseLevel(opts.Level); err != nil {
			return nil, err
		}
	}
	level := zap.NewAtomicLevelAt(lvl)

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(NewEncoderConfig(true)), zapcore.AddSync(console), level),
	}
	l := &Logger{Level: level}
	if opts.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores,
			zapcore.NewCore(zapcore.NewJSONEncoder(NewEncoderConfig(false)), zapcore.AddSync(l.file), level))
	}

	l.SugaredLogger = zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Sugar()
	return l, nil
}

// SetLevel changes the level of every core.
func (l *Logger) SetLevel(name string) error {
	lvl, err := ParseLevel(name)
	if err != nil {
		return err
	}
	l.Level.SetLevel(lvl)
	return nil
}

// Close flushes the logger and closes the log file.
func (l *Logger) Close() error {
	err := l.Sync()
	// stderr can not be synced on most terminals
	if errors.Is(err, os.ErrInvalid) || isSyncUnsupported(err) {
		err = nil
	}
	if l.file != nil {
		if cerr := l.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func isSyncUnsupported(err error) bool {
	if err == nil {
		return false
	}
	var pathErr *os.PathError
	return errors.As(err, &pathErr)
}
