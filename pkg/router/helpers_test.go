package router

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnisink/pkg/omni"
	"github.com/wayneeseguin/omnisink/pkg/types"
)

// fakeEmitter counts deliveries and fails while failing is set.
type fakeEmitter struct {
	failing atomic.Bool
	calls   atomic.Int64
	got     atomic.Int64
	flushes atomic.Int64
	closes  atomic.Int64

	block   chan struct{} // Emit waits on it when non-nil
	entered chan struct{}
}

func failingEmitter() *fakeEmitter {
	e := &fakeEmitter{}
	e.failing.Store(true)
	return e
}

func (f *fakeEmitter) Emit(*types.LogRecord) error {
	f.calls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.failing.Load() {
		return omni.NewError(omni.KindTransientSink, "flush", "fake", errors.New("sink down"))
	}
	f.got.Add(1)
	return nil
}

func (f *fakeEmitter) EmitBatch(recs []*types.LogRecord) error {
	var first error
	for _, r := range recs {
		if err := f.Emit(r); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f *fakeEmitter) Flush() error {
	f.flushes.Add(1)
	return nil
}

func (f *fakeEmitter) Close() error {
	f.closes.Add(1)
	return nil
}

func (f *fakeEmitter) Stats() omni.Stats {
	return omni.Stats{Processed: uint64(f.got.Load()), Dropped: uint64(f.calls.Load() - f.got.Load())}
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
	return &types.LogRecord{Time: time.Now(), Level: types.LevelInfo, Message: msg}
}

// downSink is a backends.Sink that rejects every write.
type downSink struct{}

func (downSink) Write([]byte) (int, error) { return 0, errors.New("disk unavailable") }
func (downSink) Close() error              { return nil }

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
