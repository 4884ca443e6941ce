package formatters

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/wayneeseguin/omnisink/pkg/types"
)

// MsgpackFormatter encodes each record as a msgpack array of
// [tag, unix-nanoseconds, record-map]. Output is binary, so handlers
// concatenate messages without a delimiter.
type MsgpackFormatter struct {
	// Tag is the first array element. Defaults to the record's logger name.
	Tag     string
	Options FormatOptions

	pool sync.Pool
}

type msgpackEncoder struct {
	buf *bytes.Buffer
	enc *msgpack.Encoder
}

// NewMsgpackFormatter creates a msgpack formatter with the given tag.
func NewMsgpackFormatter(tag string) *MsgpackFormatter {
	return &MsgpackFormatter{Tag: tag, Options: DefaultFormatOptions()}
}

func (f *MsgpackFormatter) getEncoder() *msgpackEncoder {
	if e, ok := f.pool.Get().(*msgpackEncoder); ok {
		return e
	}
	buf := bytes.NewBuffer(make([]byte, 0, 256))
	enc := msgpack.NewEncoder(buf)
	enc.SetSortMapKeys(true)
	return &msgpackEncoder{buf: buf, enc: enc}
}

// Capabilities implements types.Formatter.
func (f *MsgpackFormatter) Capabilities() types.Capabilities {
	return types.Capabilities{Binary: true}
}

// Headers implements types.Formatter.
func (f *MsgpackFormatter) Headers() []byte { return nil }

// Format implements types.Formatter.
func (f *MsgpackFormatter) Format(rec *types.LogRecord) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("nil record")
	}

	e := f.getEncoder()
	defer func() {
		e.buf.Reset()
		e.enc.Reset(e.buf)
		e.enc.SetSortMapKeys(true)
		f.pool.Put(e)
	}()

	tag := f.Tag
	if tag == "" {
		tag = rec.Logger
	}

	if err := e.enc.EncodeArrayLen(3); err != nil {
		return nil, fmt.Errorf("encode array len: %w", err)
	}
	if err := e.enc.EncodeString(tag); err != nil {
		return nil, fmt.Errorf("encode tag: %w", err)
	}
	if err := e.enc.EncodeInt64(rec.Time.UnixNano()); err != nil {
		return nil, fmt.Errorf("encode time: %w", err)
	}

	record := map[string]interface{}{
		"level":   f.Options.level(rec.Level),
		"message": rec.Message,
	}
	if rec.Logger != "" {
		record["logger"] = rec.Logger
	}
	if rec.Layer != "" {
		record["layer"] = rec.Layer
	}
	if f.Options.IncludeSource && rec.Source.File != "" {
		record["source"] = rec.Source
	}
	if f.Options.IncludeProcess {
		record["pid"] = rec.PID
		record["thread_id"] = rec.ThreadID
	}
	if len(rec.Extras) > 0 {
		record["fields"] = safeFields(rec.Extras)
	}

	if err := e.enc.Encode(record); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out, nil
}
