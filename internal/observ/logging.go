package observ

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Level is a syslog-style severity used to filter log output.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
)

var minLevel atomic.Int32

func init() {
	minLevel.Store(int32(LevelInfo))
}

// SetLevel sets the minimum level emitted by Log and friends.
func SetLevel(l Level) {
	minLevel.Store(int32(l))
}

// ParseLevel maps a LOG_LEVEL string (DEBUG/INFO/WARNING/ERROR/CRITICAL)
// to a Level. Unknown values fall back to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARNING", "WARN":
		return LevelWarning
	case "ERROR":
		return LevelError
	case "CRITICAL":
		return LevelCritical
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

func emit(level Level, event string, kv map[string]any) {
	if int32(level) < minLevel.Load() {
		return
	}
	if kv == nil {
		kv = map[string]any{}
	}
	kv["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	kv["level"] = level.String()
	kv["event"] = event
	b, _ := json.Marshal(kv)
	fmt.Println(string(b))
}

// Log emits a structured INFO record.
func Log(event string, kv map[string]any) {
	emit(LevelInfo, event, kv)
}

// Debug emits a structured DEBUG record.
func Debug(event string, kv map[string]any) {
	emit(LevelDebug, event, kv)
}

// Warn emits a structured WARNING record.
func Warn(event string, kv map[string]any) {
	emit(LevelWarning, event, kv)
}

// Error emits a structured ERROR record.
func Error(event string, kv map[string]any) {
	emit(LevelError, event, kv)
}
