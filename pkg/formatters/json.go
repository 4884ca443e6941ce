package formatters

import (
	"encoding/json"
	"fmt"

	"github.com/wayneeseguin/omnisink/pkg/types"
)

// JSONFormatter formats log records as line-delimited JSON
type JSONFormatter struct {
	Options       FormatOptions
	ExcludeFields []string // Optional: extras to leave out
}

// NewJSONFormatter creates a new JSON formatter
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{
		Options: DefaultFormatOptions(),
	}
}

// Capabilities implements types.Formatter.
func (f *JSONFormatter) Capabilities() types.Capabilities {
	return types.Capabilities{}
}

// Headers implements types.Formatter.
func (f *JSONFormatter) Headers() []byte { return nil }

// WithExcludeFields sets extras that are never written
func (f *JSONFormatter) WithExcludeFields(fields ...string) *JSONFormatter {
	f.ExcludeFields = fields
	return f
}

// Format formats a log record as a single JSON object followed by a newline
func (f *JSONFormatter) Format(rec *types.LogRecord) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("nil record")
	}

	entry := f.createJSONEntry(rec)

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	return append(data, '\n'), nil
}

// createJSONEntry creates a JSON-serializable entry from a log record
func (f *JSONFormatter) createJSONEntry(rec *types.LogRecord) map[string]interface{} {
	entry := make(map[string]interface{})

	if f.Options.IncludeTime {
		entry["timestamp"] = f.Options.timestamp(rec.Time)
	}
	if f.Options.IncludeLevel {
		entry["level"] = f.Options.level(rec.Level)
	}
	entry["message"] = rec.Message
	if rec.Logger != "" {
		entry["logger"] = rec.Logger
	}
	if rec.Layer != "" {
		entry["layer"] = rec.Layer
	}
	if f.Options.IncludeSource && rec.Source.File != "" {
		entry["source"] = rec.Source
	}
	if f.Options.IncludeProcess {
		entry["pid"] = rec.PID
		entry["thread_id"] = rec.ThreadID
	}

	if len(rec.Extras) > 0 {
		fields := safeFields(rec.Extras)
		for _, k := range f.ExcludeFields {
			delete(fields, k)
		}
		if f.Options.FlattenFields {
			for k, v := range fields {
				if _, taken := entry[k]; !taken {
					entry[k] = v
				}
			}
		} else if len(fields) > 0 {
			entry["fields"] = fields
		}
	}

	return entry
}
