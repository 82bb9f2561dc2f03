package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Level mirrors spec.md §6's loglevel enum, which is finer-grained than
// zap's built-in levels (it adds trace below debug).
type Level int

const (
	LevelCritical Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "crit":
		return LevelCritical, nil
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info", "":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "trace":
		return LevelTrace, nil
	default:
		return 0, fmt.Errorf("unknown loglevel %q", s)
	}
}

func (l Level) String() string {
	switch l {
	case LevelCritical:
		return "critical"
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	default:
		return "unknown"
	}
}

// zapLevel maps our level to the closest zapcore.Level. trace and debug
// both map to zap's Debug since zap has no level below it; the activity
// log distinguishes them by the textual prefix it writes instead.
func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelCritical:
		return zapcore.DPanicLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelDebug, LevelTrace:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}
