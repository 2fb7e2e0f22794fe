// Package logging builds the process logger: a zap core tee writing to the
// console, a rotating file with every record and a rotating file holding
// only errors.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the sinks.
type Options struct {
	AppName    string
	Level      string
	Dir        string // empty disables both file sinks
	MaxSizeMiB int
	MaxBackups int
	Console    zapcore.WriteSyncer // defaults to stdout
}

// Logger owns the zap logger and the rotating writers behind it.
type Logger struct {
	*zap.Logger
	level   zap.AtomicLevel
	writers []*lumberjack.Logger
}

// New builds the logger. It should be called once during startup and closed
// on shutdown.
func New(opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	if opts.AppName == "" {
		opts.AppName = "opshub"
	}
	console := opts.Console
	if console == nil {
		console = zapcore.Lock(os.Stdout)
	}

	atom := zap.NewAtomicLevelAt(level)
	l := &Logger{level: atom}

	consoleCfg := encoderConfig()
	consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), console, atom),
	}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		all := l.rotating(filepath.Join(opts.Dir, opts.AppName+".log"), opts)
		errs := l.rotating(filepath.Join(opts.Dir, opts.AppName+"_errors.log"), opts)

		fileEncoder := zapcore.NewJSONEncoder(encoderConfig())
		cores = append(cores,
			zapcore.NewCore(fileEncoder, zapcore.AddSync(all), atom),
			zapcore.NewCore(fileEncoder, zapcore.AddSync(errs), errorEnabler(atom)),
		)
	}

	l.Logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).
		Named(opts.AppName)
	return l, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.InfoLevel)}
}

// Wrap adapts an existing zap logger, e.g. an observer core in tests.
func Wrap(z *zap.Logger) *Logger {
	return &Logger{Logger: z, level: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

func (l *Logger) rotating(path string, opts Options) *lumberjack.Logger {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    nz(opts.MaxSizeMiB, 10), // megabytes
		MaxBackups: nz(opts.MaxBackups, 5),
	}
	l.writers = append(l.writers, lj)
	return lj
}

// Level returns the current minimum level.
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

// Close flushes buffered entries and closes the rotating files.
func (l *Logger) Close() error {
	_ = l.Logger.Sync()
	var firstErr error
	for _, w := range l.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ParseLevel maps a level name to a zap level. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "critical", "fatal":
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

// The error sink never drops below error, whatever the configured level.
func errorEnabler(min zap.AtomicLevel) zapcore.LevelEnabler {
	return zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= zapcore.ErrorLevel && min.Enabled(l)
	})
}

func nz(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
