package formatters

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wayneeseguin/omnisink/pkg/types"
)

// ANSI colour codes used when Color is enabled.
const (
	colorReset  = "\x1b[0m"
	colorGray   = "\x1b[90m"
	colorCyan   = "\x1b[36m"
	colorGreen  = "\x1b[32m"
	colorYellow = "\x1b[33m"
	colorRed    = "\x1b[31m"
	colorBold   = "\x1b[1;31m"
)

// TextFormatter formats log records as human-readable text
type TextFormatter struct {
	Options FormatOptions
	// Color wraps the level in ANSI colour codes. Console handlers turn this
	// on when the stream is a terminal.
	Color bool
}

// NewTextFormatter creates a new text formatter
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{
		Options: DefaultFormatOptions(),
	}
}

// Capabilities implements types.Formatter.
func (f *TextFormatter) Capabilities() types.Capabilities {
	return types.Capabilities{}
}

// Headers implements types.Formatter. Text output has no header.
func (f *TextFormatter) Headers() []byte { return nil }

// Format formats a log record as text
func (f *TextFormatter) Format(rec *types.LogRecord) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("nil record")
	}

	var result strings.Builder
	sep := f.Options.FieldSeparator
	if sep == "" {
		sep = " "
	}

	if f.Options.IncludeTime {
		result.WriteString("[")
		result.WriteString(f.Options.timestamp(rec.Time))
		result.WriteString("]")
		result.WriteString(sep)
	}

	if f.Options.IncludeLevel {
		result.WriteString("[")
		if f.Color {
			result.WriteString(levelColor(rec.Level))
			result.WriteString(f.Options.level(rec.Level))
			result.WriteString(colorReset)
		} else {
			result.WriteString(f.Options.level(rec.Level))
		}
		result.WriteString("]")
		result.WriteString(sep)
	}

	if rec.Logger != "" {
		result.WriteString(rec.Logger)
		result.WriteString(":")
		result.WriteString(sep)
	}

	result.WriteString(strings.TrimRight(rec.Message, "\n"))

	if rec.Layer != "" {
		result.WriteString(sep)
		result.WriteString("layer=")
		result.WriteString(rec.Layer)
	}

	if len(rec.Extras) > 0 {
		fields := safeFields(rec.Extras)
		for _, k := range sortedKeys(fields) {
			result.WriteString(sep)
			result.WriteString(k)
			result.WriteString("=")
			result.WriteString(fmt.Sprintf("%v", fields[k]))
		}
	}

	if f.Options.IncludeProcess && rec.PID != 0 {
		result.WriteString(sep)
		result.WriteString("pid=")
		result.WriteString(strconv.Itoa(rec.PID))
		if rec.ThreadID != 0 {
			result.WriteString(sep)
			result.WriteString("tid=")
			result.WriteString(strconv.FormatInt(rec.ThreadID, 10))
		}
	}

	if f.Options.IncludeSource && rec.Source.File != "" {
		result.WriteString(sep)
		result.WriteString("(")
		result.WriteString(rec.Source.File)
		result.WriteString(":")
		result.WriteString(strconv.Itoa(rec.Source.Line))
		result.WriteString(")")
	}

	result.WriteString("\n")

	return []byte(result.String()), nil
}

func levelColor(l types.Level) string {
	switch l {
	case types.LevelTrace:
		return colorGray
	case types.LevelDebug:
		return colorCyan
	case types.LevelInfo:
		return colorGreen
	case types.LevelWarn:
		return colorYellow
	case types.LevelError:
		return colorRed
	default:
		return colorBold
	}
}
