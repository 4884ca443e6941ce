package types

import (
	"strings"
	"time"
)

// Level is the severity of a LogRecord.
type Level int

// Log levels, ordered from least to most severe.
const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
)

// String returns the upper-case level name.
func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "LOG"
	}
}

// ParseLevel converts a level name into a Level. Unknown names map to LevelInfo
// and ok is false.
func ParseLevel(name string) (level Level, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "TRACE":
		return LevelTrace, true
	case "DEBUG":
		return LevelDebug, true
	case "INFO":
		return LevelInfo, true
	case "WARN", "WARNING":
		return LevelWarn, true
	case "ERROR":
		return LevelError, true
	case "CRITICAL", "FATAL":
		return LevelCritical, true
	}
	return LevelInfo, false
}

// Source identifies the call site that produced a record.
type Source struct {
	File     string `json:"file,omitempty" msgpack:"file,omitempty"`
	Line     int    `json:"line,omitempty" msgpack:"line,omitempty"`
	Function string `json:"function,omitempty" msgpack:"function,omitempty"`
}

// LogRecord is one structured log event as produced by the front-end.
// The delivery engine treats it as read-only: handlers never mutate a record
// they have been given.
type LogRecord struct {
	Time     time.Time
	Level    Level
	Logger   string
	Message  string
	Layer    string
	Source   Source
	PID      int
	ThreadID int64
	Extras   map[string]interface{}
}

// Capabilities describes what a Formatter can do. Handlers read it once,
// when the formatter is attached, and never probe again.
type Capabilities struct {
	// Headers reports that Headers returns bytes to be written at the
	// start of every new or empty output file.
	Headers bool

	// Binary reports that encoded messages are opaque binary frames. Binary
	// messages are concatenated as-is; text messages are newline terminated.
	Binary bool
}

// Formatter turns a LogRecord into an encoded message.
type Formatter interface {
	// Format encodes a record. Implementations must be safe for concurrent use.
	Format(rec *LogRecord) ([]byte, error)

	// Capabilities returns the formatter's fixed feature set.
	Capabilities() Capabilities

	// Headers returns the header block for a fresh file. Only called when
	// Capabilities().Headers is true.
	Headers() []byte
}
