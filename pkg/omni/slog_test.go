package omni

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/wayneeseguin/omnisink/pkg/types"
)

type captureEmitter struct {
	mu   sync.Mutex
	recs []*types.LogRecord
}

func (c *captureEmitter) Emit(rec *types.LogRecord) error {
	c.mu.Lock()
	c.recs = append(c.recs, rec)
	c.mu.Unlock()
	return nil
}

func (c *captureEmitter) EmitBatch(recs []*types.LogRecord) error {
	for _, r := range recs {
		_ = c.Emit(r)
	}
	return nil
}

func (c *captureEmitter) Flush() error { return nil }
func (c *captureEmitter) Close() error { return nil }
func (c *captureEmitter) Stats() Stats { return Stats{} }

func TestSlogHandler(t *testing.T) {
	ce := &captureEmitter{}
	logger := slog.New(NewSlogHandler(ce, slog.LevelInfo).WithLogger("api"))

	logger.Debug("hidden")
	logger.With("service", "billing").WithGroup("req").Info("served", "status", 200, slog.Group("client", "ip", "10.0.0.1"))
	logger.Error("boom")

	if len(ce.recs) != 2 {
		t.Fatalf("got %d records, want 2", len(ce.recs))
	}

	rec := ce.recs[0]
	if rec.Message != "served" || rec.Level != types.LevelInfo || rec.Logger != "api" {
		t.Errorf("record = %+v", rec)
	}
	want := map[string]interface{}{
		"service":       "billing",
		"req.status":    int64(200),
		"req.client.ip": "10.0.0.1",
	}
	for k, v := range want {
		if rec.Extras[k] != v {
			t.Errorf("Extras[%s] = %v (%T), want %v", k, rec.Extras[k], rec.Extras[k], v)
		}
	}
	if rec.Source.Line == 0 {
		t.Error("source location missing")
	}
	if ce.recs[1].Level != types.LevelError {
		t.Errorf("level = %v", ce.recs[1].Level)
	}
}

func TestSlogLevelMapping(t *testing.T) {
	tests := map[slog.Level]types.Level{
		slog.LevelDebug - 4: types.LevelTrace,
		slog.LevelDebug:     types.LevelDebug,
		slog.LevelInfo:      types.LevelInfo,
		slog.LevelWarn:      types.LevelWarn,
		slog.LevelError:     types.LevelError,
		slog.LevelError + 4: types.LevelCritical,
	}
	for in, want := range tests {
		if got := slogLevel(in); got != want {
			t.Errorf("slogLevel(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestSlogHandlerThroughHandler(t *testing.T) {
	sink := &mockSink{}
	h := newTestHandler(t, sink, WithSync(), WithCapacity(1))
	slog.New(NewSlogHandler(h, nil)).Info("via slog")
	if lines := sink.Lines(); len(lines) != 1 || lines[0] != "via slog" {
		t.Errorf("lines = %v", lines)
	}
}
