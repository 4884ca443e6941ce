package formatters

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/wayneeseguin/omnisink/pkg/types"
)

// CSVFormatter writes one CSV row per record. It is the header-capable
// formatter: every new or rotated file starts with the column row.
type CSVFormatter struct {
	Options FormatOptions
	// Fields lists extras promoted to their own columns, in order.
	Fields []string
}

// NewCSVFormatter creates a CSV formatter with the given extra columns.
func NewCSVFormatter(fields ...string) *CSVFormatter {
	return &CSVFormatter{Options: DefaultFormatOptions(), Fields: fields}
}

// Capabilities implements types.Formatter.
func (f *CSVFormatter) Capabilities() types.Capabilities {
	return types.Capabilities{Headers: true}
}

// Headers returns the column row.
func (f *CSVFormatter) Headers() []byte {
	cols := append([]string{"timestamp", "level", "logger", "message", "file", "line"}, f.Fields...)
	return f.row(cols)
}

// Format implements types.Formatter.
func (f *CSVFormatter) Format(rec *types.LogRecord) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("nil record")
	}

	line := ""
	if rec.Source.Line > 0 {
		line = strconv.Itoa(rec.Source.Line)
	}
	cols := []string{
		f.Options.timestamp(rec.Time),
		f.Options.level(rec.Level),
		rec.Logger,
		rec.Message,
		rec.Source.File,
		line,
	}
	for _, name := range f.Fields {
		if v, ok := rec.Extras[name]; ok {
			cols = append(cols, fmt.Sprint(safeFieldsCopy(v, map[uintptr]bool{}, 0)))
		} else {
			cols = append(cols, "")
		}
	}
	return f.row(cols), nil
}

func (f *CSVFormatter) row(cols []string) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	// Writing to a bytes.Buffer cannot fail.
	_ = w.Write(cols)
	w.Flush()
	return buf.Bytes()
}
