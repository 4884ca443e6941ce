package omni

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnisink/pkg/types"
)

// mockSink records successful writes. It can fail, and it can block inside
// Write until release is closed.
type mockSink struct {
	mu        sync.Mutex
	writes    []string
	failN     int  // fail the next failN writes
	failAll   bool // fail every write
	failEvery int  // fail every n-th write
	calls     int
	closes    int

	entered chan struct{} // receives a value when a Write starts
	release chan struct{} // Write waits for it to be closed
}

func newBlockingSink() *mockSink {
	return &mockSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (m *mockSink) Write(p []byte) (int, error) {
	if m.entered != nil {
		select {
		case m.entered <- struct{}{}:
		default:
		}
	}
	if m.release != nil {
		<-m.release
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failAll || m.failN > 0 || (m.failEvery > 0 && m.calls%m.failEvery == 0) {
		if m.failN > 0 {
			m.failN--
		}
		return 0, errors.New("sink unavailable")
	}
	m.writes = append(m.writes, string(p))
	return len(p), nil
}

func (m *mockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func (m *mockSink) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.writes...)
}

func (m *mockSink) Lines() []string {
	var lines []string
	for _, w := range m.Writes() {
		for _, l := range strings.Split(strings.TrimSuffix(w, "\n"), "\n") {
			if l != "" {
				lines = append(lines, l)
			}
		}
	}
	return lines
}

func (m *mockSink) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// rawFormatter writes the message followed by a newline.
type rawFormatter struct {
	caps   types.Capabilities
	err    error
	panics bool
}

func (f rawFormatter) Format(rec *types.LogRecord) ([]byte, error) {
	if f.panics {
		panic("formatter exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.caps.Binary {
		return []byte(rec.Message), nil
	}
	return []byte(rec.Message + "\n"), nil
}

func (f rawFormatter) Capabilities() types.Capabilities { return f.caps }
func (f rawFormatter) Headers() []byte                  { return nil }

// recordingReporter keeps every report.
type recordingReporter struct {
	mu      sync.Mutex
	reports []LogError
}

func (r *recordingReporter) Report(e LogError) {
	r.mu.Lock()
	r.reports = append(r.reports, e)
	r.mu.Unlock()
}

func (r *recordingReporter) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, 0, len(r.reports))
	for _, e := range r.reports {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func record(msg string) *types.LogRecord {
	return &types.LogRecord{
		Time:    time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Level:   types.LevelInfo,
		Logger:  "test",
		Message: msg,
	}
}

// newTestHandler builds a handler with a raw formatter and a silent reporter.
func newTestHandler(t *testing.T, sink *mockSink, opts ...Option) *Handler {
	t.Helper()
	base := []Option{WithFormatter(rawFormatter{}), WithReporter(NopReporter)}
	h, err := New(sink, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
