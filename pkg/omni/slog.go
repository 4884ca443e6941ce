package omni

import (
	"context"
	"log/slog"
	"os"
	"runtime"

	"github.com/wayneeseguin/omnisink/pkg/types"
)

// SlogHandler adapts an Emitter to log/slog.Handler so a handler or a whole
// router can sit behind slog.New.
type SlogHandler struct {
	emitter Emitter
	level   slog.Leveler
	logger  string
	attrs   map[string]interface{}
	group   string
}

// NewSlogHandler returns a slog.Handler delivering records at or above level to e.
func NewSlogHandler(e Emitter, level slog.Leveler) *SlogHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &SlogHandler{emitter: e, level: level}
}

// WithLogger sets the logger name put on every record.
func (s *SlogHandler) WithLogger(name string) *SlogHandler {
	c := s.clone()
	c.logger = name
	return c
}

// Enabled implements slog.Handler.
func (s *SlogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= s.level.Level()
}

// Handle implements slog.Handler. Delivery failures are already counted and
// reported by the emitter; Handle returns them so slog callers can see them.
func (s *SlogHandler) Handle(_ context.Context, r slog.Record) error {
	rec := &types.LogRecord{
		Time:    r.Time,
		Level:   slogLevel(r.Level),
		Logger:  s.logger,
		Message: r.Message,
		PID:     os.Getpid(),
	}

	if r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := frames.Next()
		rec.Source = types.Source{File: f.File, Line: f.Line, Function: f.Function}
	}

	if len(s.attrs) > 0 || r.NumAttrs() > 0 {
		rec.Extras = make(map[string]interface{}, len(s.attrs)+r.NumAttrs())
		for k, v := range s.attrs {
			rec.Extras[k] = v
		}
		r.Attrs(func(a slog.Attr) bool {
			addAttr(rec.Extras, s.group, a)
			return true
		})
	}
	return s.emitter.Emit(rec)
}

// WithAttrs implements slog.Handler.
func (s *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := s.clone()
	for _, a := range attrs {
		addAttr(c.attrs, s.group, a)
	}
	return c
}

// WithGroup implements slog.Handler.
func (s *SlogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return s
	}
	c := s.clone()
	if c.group != "" {
		c.group += "." + name
	} else {
		c.group = name
	}
	return c
}

func (s *SlogHandler) clone() *SlogHandler {
	attrs := make(map[string]interface{}, len(s.attrs))
	for k, v := range s.attrs {
		attrs[k] = v
	}
	return &SlogHandler{
		emitter: s.emitter,
		level:   s.level,
		logger:  s.logger,
		attrs:   attrs,
		group:   s.group,
	}
}

// addAttr flattens groups into dotted keys.
func addAttr(dst map[string]interface{}, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	key := a.Key
	if group != "" && key != "" {
		key = group + "." + key
	} else if key == "" {
		key = group
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			addAttr(dst, key, ga)
		}
		return
	}
	dst[key] = a.Value.Any()
}

func slogLevel(l slog.Level) types.Level {
	switch {
	case l >= slog.LevelError+4:
		return types.LevelCritical
	case l >= slog.LevelError:
		return types.LevelError
	case l >= slog.LevelWarn:
		return types.LevelWarn
	case l >= slog.LevelInfo:
		return types.LevelInfo
	case l >= slog.LevelDebug:
		return types.LevelDebug
	default:
		return types.LevelTrace
	}
}
