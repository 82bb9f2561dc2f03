package logging

import (
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide activity log (spec.md §4.B). It is
// constructed once at bootstrap and passed explicitly to every component
// that needs it (DESIGN NOTES §9: "forbid reading [the logger] from free
// functions").
type Logger struct {
	zap   *zap.Logger
	level Level
	sink  *RotatingFile

	rateMu   sync.Mutex
	lastWarn map[string]time.Time
}

// New builds an activity logger at the given level, writing to sink (a
// RotatingFile) in addition to stderr. sink may be nil for a
// console-only logger (used by tests and `-n` foreground debugging).
func New(level Level, sink *RotatingFile) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(os.Stderr)), level.zapLevel()),
	}
	if sink != nil {
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(sink), level.zapLevel()))
	}

	return &Logger{
		zap:      zap.New(zapcore.NewTee(cores...)),
		level:    level,
		sink:     sink,
		lastWarn: make(map[string]time.Time),
	}
}

func (l *Logger) Critical(msg string, fields ...zap.Field) { l.zap.Error("CRIT: " + msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field)    { l.zap.Error(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)     { l.zap.Warn(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)     { l.zap.Info(msg, fields...) }
func (l *Logger) Debug(msg string, fields ...zap.Field)    { l.zap.Debug(msg, fields...) }
func (l *Logger) Trace(msg string, fields ...zap.Field) {
	if l.level >= LevelTrace {
		l.zap.Debug("TRACE: "+msg, fields...)
	}
}

// RateLimitedError logs an IoError-class failure at most once per key per
// window, per spec.md §7 ("repeated failures on the same sink are
// rate-limited").
func (l *Logger) RateLimitedError(key, msg string, window time.Duration, fields ...zap.Field) {
	l.rateMu.Lock()
	last, seen := l.lastWarn[key]
	now := time.Now()
	if seen && now.Sub(last) < window {
		l.rateMu.Unlock()
		return
	}
	l.lastWarn[key] = now
	l.rateMu.Unlock()
	l.zap.Error(msg, fields...)
}

// Sync flushes the underlying zap core.
func (l *Logger) Sync() error { return l.zap.Sync() }

// ForceRotate forces the activity log's own sink to rotate regardless of
// current size, used by the supervisor's SIGUSR2 handler.
func (l *Logger) ForceRotate() error {
	if l.sink == nil {
		return nil
	}
	return l.sink.Rotate()
}

// ErrNoSink is returned by ReadRange/Size when the logger was built
// without a file sink (console-only, e.g. `-n` foreground debugging).
var ErrNoSink = errors.New("activity log has no file sink")

// ReadRange reads the activity log's own file sink, for the RPC
// supervisor.readLog method.
func (l *Logger) ReadRange(offset, length int64) (data []byte, newOffset int64, overflow bool, err error) {
	if l.sink == nil {
		return nil, 0, false, ErrNoSink
	}
	return l.sink.ReadRange(offset, length)
}

// Size returns the current size of the activity log's file sink.
func (l *Logger) Size() (int64, error) {
	if l.sink == nil {
		return 0, ErrNoSink
	}
	return l.sink.AbsoluteSize(), nil
}
