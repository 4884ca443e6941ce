package formatters

import (
	"strings"
	"time"

	"github.com/wayneeseguin/omnisink/pkg/types"
)

// FormatOptions controls the output format
type FormatOptions struct {
	TimestampFormat string
	IncludeLevel    bool
	IncludeTime     bool
	IncludeSource   bool // Whether to include file:line of the call site
	IncludeProcess  bool // Whether to include pid and thread id
	LevelFormat     LevelFormat
	FieldSeparator  string
	TimeZone        *time.Location
	FlattenFields   bool // Whether extras sit at the JSON root instead of under "fields"
}

// LevelFormat defines level format options
type LevelFormat int

const (
	// LevelFormatName formats levels as their names (DEBUG, INFO, etc)
	LevelFormatName LevelFormat = iota
	// LevelFormatNameLower formats levels as lowercase names
	LevelFormatNameLower
	// LevelFormatSymbol formats levels as single-character symbols
	LevelFormatSymbol
)

// DefaultFormatOptions returns default formatting options
func DefaultFormatOptions() FormatOptions {
	return FormatOptions{
		TimestampFormat: time.RFC3339Nano,
		IncludeLevel:    true,
		IncludeTime:     true,
		LevelFormat:     LevelFormatName,
		FieldSeparator:  " ",
		TimeZone:        time.UTC,
	}
}

func (o FormatOptions) timestamp(t time.Time) string {
	loc := o.TimeZone
	if loc == nil {
		loc = time.UTC
	}
	layout := o.TimestampFormat
	if layout == "" {
		layout = time.RFC3339Nano
	}
	return t.In(loc).Format(layout)
}

func (o FormatOptions) level(l types.Level) string {
	name := l.String()
	switch o.LevelFormat {
	case LevelFormatNameLower:
		return strings.ToLower(name)
	case LevelFormatSymbol:
		return name[:1]
	}
	return name
}
