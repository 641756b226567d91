package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ekisa-team/synlens/internal/env"
)

const (
	defaultLogFile    = "logs/synlens.log"
	defaultMaxSizeMB  = 50
	defaultMaxBackups = 5
	defaultMaxAgeDays = 14
)

type options struct {
	output     io.Writer
	level      *slog.Level
	logFile    string
	maxSizeMB  int
	maxBackups int
	maxAgeDays int
	logToFile  bool
	compress   bool
}

// Option configures the logger returned by New.
type Option func(*options)

// WithLogToFile enables writing logs to a rotating file in addition to stderr.
func WithLogToFile(enabled bool) Option {
	return func(o *options) {
		o.logToFile = enabled
	}
}

// WithLogFile sets the path of the rotating log file.
func WithLogFile(path string) Option {
	return func(o *options) {
		o.logFile = path
	}
}

// WithRotation overrides the rotation policy of the log file.
func WithRotation(maxSizeMB, maxBackups, maxAgeDays int, compress bool) Option {
	return func(o *options) {
		o.maxSizeMB = maxSizeMB
		o.maxBackups = maxBackups
		o.maxAgeDays = maxAgeDays
		o.compress = compress
	}
}

// WithLevel forces the minimum log level.
func WithLevel(level slog.Level) Option {
	return func(o *options) {
		o.level = &level
	}
}

// WithOutput replaces stderr as the console output. Mostly useful in tests.
func WithOutput(w io.Writer) Option {
	return func(o *options) {
		o.output = w
	}
}

// New creates a logger for the given environment.
// Development gets a colored tint handler at debug level, production gets JSON at info level.
func New(environment env.Environment, opts ...Option) *slog.Logger {
	o := &options{
		output:     os.Stderr,
		logFile:    defaultLogFile,
		maxSizeMB:  defaultMaxSizeMB,
		maxBackups: defaultMaxBackups,
		maxAgeDays: defaultMaxAgeDays,
	}
	for _, opt := range opts {
		opt(o)
	}

	level := slog.LevelInfo
	if environment.IsDevelopment() {
		level = slog.LevelDebug
	}
	if o.level != nil {
		level = *o.level
	}

	console := consoleHandler(environment, o.output, level)
	if !o.logToFile {
		return slog.New(console)
	}

	if err := os.MkdirAll(filepath.Dir(o.logFile), 0o755); err != nil {
		l := slog.New(console)
		l.Warn("Failed to create log directory, logging to console only", "path", o.logFile, "error", err)
		return l
	}

	file := slog.NewJSONHandler(&lumberjack.Logger{
		Filename:   o.logFile,
		MaxSize:    o.maxSizeMB,
		MaxBackups: o.maxBackups,
		MaxAge:     o.maxAgeDays,
		Compress:   o.compress,
	}, &slog.HandlerOptions{Level: level})

	return slog.New(fanout{console, file})
}

func consoleHandler(environment env.Environment, w io.Writer, level slog.Level) slog.Handler {
	if environment.IsDevelopment() {
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	}

	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}
