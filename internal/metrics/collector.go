package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks delivery counters for one handler. All methods are safe
// for concurrent use and never block.
type Collector struct {
	emitted   atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
	bytes     atomic.Uint64
	batches   atomic.Uint64
	retries   atomic.Uint64

	formatterErrors atomic.Uint64
	rotations       atomic.Uint64
	compressions    atomic.Uint64

	errorCount     atomic.Uint64
	errorsBySource sync.Map // map[string]*atomic.Uint64
	droppedBy      sync.Map // map[string]*atomic.Uint64

	writeCount     atomic.Uint64
	totalWriteTime atomic.Int64 // nanoseconds
	maxWriteTime   atomic.Int64 // nanoseconds
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Snapshot is a point-in-time copy of a Collector.
type Snapshot struct {
	Emitted         uint64            `json:"emitted"`
	Processed       uint64            `json:"processed"`
	Dropped         uint64            `json:"dropped"`
	DroppedByReason map[string]uint64 `json:"dropped_by_reason"`
	BytesWritten    uint64            `json:"bytes_written"`
	BatchCount      uint64            `json:"batch_count"`
	Retries         uint64            `json:"retries"`
	FormatterErrors uint64            `json:"formatter_errors"`
	Rotations       uint64            `json:"rotations"`
	Compressions    uint64            `json:"compressions"`
	ErrorCount      uint64            `json:"error_count"`
	ErrorsBySource  map[string]uint64 `json:"errors_by_source"`

	AverageWriteTime time.Duration `json:"average_write_time"`
	MaxWriteTime     time.Duration `json:"max_write_time"`
}

// Snapshot returns the current counter values.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		Emitted:         c.emitted.Load(),
		Processed:       c.processed.Load(),
		Dropped:         c.dropped.Load(),
		DroppedByReason: loadAll(&c.droppedBy),
		BytesWritten:    c.bytes.Load(),
		BatchCount:      c.batches.Load(),
		Retries:         c.retries.Load(),
		FormatterErrors: c.formatterErrors.Load(),
		Rotations:       c.rotations.Load(),
		Compressions:    c.compressions.Load(),
		ErrorCount:      c.errorCount.Load(),
		ErrorsBySource:  loadAll(&c.errorsBySource),
		MaxWriteTime:    time.Duration(c.maxWriteTime.Load()),
	}
	if n := c.writeCount.Load(); n > 0 {
		s.AverageWriteTime = time.Duration(c.totalWriteTime.Load()) / time.Duration(n)
	}
	return s
}

func loadAll(m *sync.Map) map[string]uint64 {
	out := make(map[string]uint64)
	m.Range(func(key, value interface{}) bool {
		if n := value.(*atomic.Uint64).Load(); n > 0 {
			out[key.(string)] = n
		}
		return true
	})
	return out
}

func bump(m *sync.Map, key string, n uint64) {
	val, _ := m.LoadOrStore(key, &atomic.Uint64{})
	val.(*atomic.Uint64).Add(n)
}

// TrackEmit counts one accepted or rejected emit call.
func (c *Collector) TrackEmit() { c.emitted.Add(1) }

// TrackDropped counts n messages discarded for reason.
func (c *Collector) TrackDropped(reason string, n int) {
	if n <= 0 {
		return
	}
	c.dropped.Add(uint64(n))
	bump(&c.droppedBy, reason, uint64(n))
}

// TrackBatch records one successful flush of messages totalling bytes.
func (c *Collector) TrackBatch(messages, bytes int, duration time.Duration) {
	c.processed.Add(uint64(messages))
	c.bytes.Add(uint64(bytes))
	c.batches.Add(1)
	c.TrackWrite(duration)
}

// TrackWrite records the latency of one sink write.
func (c *Collector) TrackWrite(duration time.Duration) {
	c.writeCount.Add(1)
	c.totalWriteTime.Add(int64(duration))

	for {
		oldMax := c.maxWriteTime.Load()
		if int64(duration) <= oldMax {
			break
		}
		if c.maxWriteTime.CompareAndSwap(oldMax, int64(duration)) {
			break
		}
	}
}

// TrackRetry counts a failed flush that left messages buffered.
func (c *Collector) TrackRetry() { c.retries.Add(1) }

// TrackFormatterError counts a record rendered with the fallback formatter.
func (c *Collector) TrackFormatterError() { c.formatterErrors.Add(1) }

// TrackRotation increments the rotation counter.
func (c *Collector) TrackRotation() { c.rotations.Add(1) }

// TrackCompression increments the compression counter.
func (c *Collector) TrackCompression() { c.compressions.Add(1) }

// TrackError increments the error counter and tracks by source.
func (c *Collector) TrackError(source string) {
	c.errorCount.Add(1)
	bump(&c.errorsBySource, source, 1)
}

// Processed returns the number of messages written to the sink.
func (c *Collector) Processed() uint64 { return c.processed.Load() }

// Dropped returns the number of messages discarded.
func (c *Collector) Dropped() uint64 { return c.dropped.Load() }

// ErrorCount returns the total error count.
func (c *Collector) ErrorCount() uint64 { return c.errorCount.Load() }
