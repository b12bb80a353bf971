// Package logging provides structured JSON logging for scholar components.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Options configures the process-wide log sink.
type Options struct {
	// File is the log file path. "-" writes to stderr, "" discards.
	File string

	// Level is the minimum level written.
	Level Level

	// MaxSizeMB, MaxBackups bound the rotated files.
	MaxSizeMB  int
	MaxBackups int
}

var (
	baseMu sync.RWMutex
	base   = zap.NewNop()
	sink   *lumberjack.Logger
)

// Init installs the process-wide core. Loggers created before Init
// pick it up on their next call.
func Init(opts Options) error {
	level, err := zapcore.ParseLevel(string(opts.Level))
	if err != nil {
		level = zapcore.InfoLevel
	}

	var ws zapcore.WriteSyncer
	var rotating *lumberjack.Logger
	switch opts.File {
	case "":
		SetBase(zap.NewNop())
		return nil
	case "-":
		ws = zapcore.Lock(os.Stderr)
	default:
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		rotating = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    withDefault(opts.MaxSizeMB, 10),
			MaxBackups: withDefault(opts.MaxBackups, 3),
		}
		ws = zapcore.AddSync(rotating)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "event"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), ws, level)
	SetBase(zap.New(core))

	baseMu.Lock()
	sink = rotating
	baseMu.Unlock()
	return nil
}

// SetBase replaces the process-wide zap logger. Tests use it with an
// observer core.
func SetBase(l *zap.Logger) {
	baseMu.Lock()
	defer baseMu.Unlock()
	base = l
}

// Sync flushes buffered entries and closes the rotating file.
func Sync() {
	baseMu.RLock()
	l, s := base, sink
	baseMu.RUnlock()
	_ = l.Sync()
	if s != nil {
		_ = s.Close()
	}
}

func current() *zap.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return base
}

func withDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

// Logger provides structured logging
type Logger struct {
	component string
	fields    []zap.Field
}

// New creates a new logger for a component
func New(component string) *Logger {
	return &Logger{component: component}
}

// With returns a logger that adds key=value to every event
func (l *Logger) With(key string, value interface{}) *Logger {
	fields := make([]zap.Field, 0, len(l.fields)+1)
	fields = append(fields, l.fields...)
	fields = append(fields, zap.Any(key, value))
	return &Logger{component: l.component, fields: fields}
}

// log emits a structured log event
func (l *Logger) log(level zapcore.Level, event string, extra map[string]interface{}, err error, more ...zap.Field) {
	z := current()
	if ce := z.Check(level, event); ce != nil {
		fields := make([]zap.Field, 0, len(l.fields)+len(extra)+len(more)+2)
		fields = append(fields, zap.String("component", l.component))
		fields = append(fields, l.fields...)
		fields = append(fields, more...)
		if len(extra) > 0 {
			fields = append(fields, zap.Any("extra", extra))
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		ce.Write(fields...)
	}
}

// Debug logs a debug event
func (l *Logger) Debug(event string, extra map[string]interface{}) {
	l.log(zapcore.DebugLevel, event, extra, nil)
}

// Info logs an info event
func (l *Logger) Info(event string, extra map[string]interface{}) {
	l.log(zapcore.InfoLevel, event, extra, nil)
}

// Warn logs a warning event
func (l *Logger) Warn(event string, extra map[string]interface{}, err error) {
	l.log(zapcore.WarnLevel, event, extra, err)
}

// Error logs an error event
func (l *Logger) Error(event string, extra map[string]interface{}, err error) {
	l.log(zapcore.ErrorLevel, event, extra, err)
}

// TimedEvent logs an event with duration
func (l *Logger) TimedEvent(event string, start time.Time, extra map[string]interface{}) {
	l.log(zapcore.InfoLevel, event, extra, nil, zap.Int64("duration_ms", time.Since(start).Milliseconds()))
}
