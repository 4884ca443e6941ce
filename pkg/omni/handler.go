package omni

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnisink/internal/buffer"
	"github.com/wayneeseguin/omnisink/internal/metrics"
	"github.com/wayneeseguin/omnisink/pkg/backends"
	"github.com/wayneeseguin/omnisink/pkg/formatters"
	"github.com/wayneeseguin/omnisink/pkg/types"
)

// Emitter is the delivery surface shared by handlers, routers and circuit
// breakers, so they nest freely.
type Emitter interface {
	// Emit delivers one record. It never blocks on a full queue and never
	// panics. A non-nil result classifies why the record was not delivered;
	// errors wrapping ErrSinkFailing mean it was queued behind a failing sink.
	Emit(rec *types.LogRecord) error
	EmitBatch(recs []*types.LogRecord) error
	Flush() error
	Close() error
	Stats() Stats
}

// Stats is a snapshot of a handler's counters.
type Stats struct {
	Name            string        `json:"name"`
	Emitted         uint64        `json:"emitted"`
	Processed       uint64        `json:"processed"`
	Dropped         uint64        `json:"dropped"`
	BytesWritten    uint64        `json:"bytes_written"`
	BatchCount      uint64        `json:"batch_count"`
	QueueDepth      int           `json:"queue_depth"`
	QueueCapacity   int           `json:"queue_capacity"`
	Buffered        int           `json:"buffered"`
	Errors          uint64        `json:"errors"`
	FormatterErrors uint64        `json:"formatter_errors"`
	Retries         uint64        `json:"retries"`
	Rotations       uint64        `json:"rotations"`
	Compressions    uint64        `json:"compressions"`
	BatchSize       int           `json:"batch_size"`
	FlushInterval   time.Duration `json:"flush_interval"`

	DroppedByReason map[string]uint64 `json:"dropped_by_reason,omitempty"`
	AvgWriteTime    time.Duration     `json:"avg_write_time"`
}

// Handler moves formatted records from Emit to a single Sink through a
// Buffer. In async mode Emit only enqueues and background workers write.
//
// Lock order: emitMu, drainMu, writeMu. The buffer and the sink are only
// touched with writeMu held.
type Handler struct {
	cfg      Config
	sink     backends.Sink
	batcher  backends.BatchWriter
	delim    []byte
	metrics  *metrics.Collector
	reporter Reporter
	now      func() time.Time
	pool     *buffer.BufferPool

	writeMu sync.Mutex
	buf     *buffer.Buffer
	written int // bytes handed to the sink by the last write

	queue    chan []byte
	flushReq chan chan error
	stop     chan struct{}
	drainMu  sync.Mutex
	wg       sync.WaitGroup
	tuner    *tuner

	batchSize atomic.Int64
	interval  atomic.Int64
	deadline  atomic.Int64 // unix nanos of the next time-based flush, 0 if none
	buffered  atomic.Int64

	emitMu    sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
	forced    atomic.Bool
	failing   atomic.Bool // the last write attempt failed
}

// New creates a handler writing to sink, starting from the defaults for a
// custom destination.
func New(sink backends.Sink, opts ...Option) (*Handler, error) {
	cfg := DefaultConfig(DestinationCustom)
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	return NewWithConfig(sink, cfg)
}

// NewWithConfig creates a handler from an explicit configuration.
func NewWithConfig(sink backends.Sink, cfg Config) (*Handler, error) {
	return newHandler(sink, cfg, metrics.NewCollector())
}

func newHandler(sink backends.Sink, cfg Config, collector *metrics.Collector) (*Handler, error) {
	if sink == nil {
		return nil, configError("sink is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.Destination)
	}

	h := &Handler{
		cfg:      cfg,
		sink:     sink,
		metrics:  collector,
		reporter: cfg.Reporter,
		now:      cfg.Clock,
		pool:     buffer.NewBufferPool(),
		buf: buffer.New(buffer.Config{
			Capacity:   cfg.Capacity,
			MaxBytes:   cfg.MaxBatchBytes,
			Window:     cfg.Window,
			MaxRetries: cfg.MaxRetries,
		}),
	}

	// capabilities are fixed for the handler's lifetime
	if !cfg.Formatter.Capabilities().Binary {
		h.delim = []byte("\n")
	}
	if bw, ok := sink.(backends.BatchWriter); ok {
		if sel, ok := sink.(backends.BatchSelector); !ok || sel.UsesBatch() {
			h.batcher = bw
		}
	}

	interval := cfg.Window
	if interval == 0 {
		interval = defaultIdleInterval
	}
	h.batchSize.Store(int64(cfg.Capacity))
	h.interval.Store(int64(interval))

	if cfg.Async {
		h.queue = make(chan []byte, cfg.QueueSize)
		h.flushReq = make(chan chan error)
		h.stop = make(chan struct{})

		if cfg.Adaptive.Enabled {
			h.tuner = newTuner(cfg.Adaptive, cfg.Capacity, interval, h.now())
			size, iv := h.tuner.current()
			h.batchSize.Store(int64(size))
			h.interval.Store(int64(iv))
		}

		h.wg.Add(cfg.Workers)
		for i := 0; i < cfg.Workers; i++ {
			go h.worker()
		}
	}
	return h, nil
}

// Name returns the handler name.
func (h *Handler) Name() string { return h.cfg.Name }

// Config returns a copy of the handler configuration.
func (h *Handler) Config() Config { return h.cfg }

// Sink returns the sink the handler owns.
func (h *Handler) Sink() backends.Sink { return h.sink }

// Healthy reports whether the last write attempt to the sink succeeded.
func (h *Handler) Healthy() bool { return !h.failing.Load() }

// Emit formats rec on the caller goroutine and either enqueues it (async)
// or buffers and possibly flushes it (sync).
func (h *Handler) Emit(rec *types.LogRecord) error {
	h.metrics.TrackEmit()

	h.emitMu.RLock()
	defer h.emitMu.RUnlock()

	if h.closed {
		h.metrics.TrackDropped("closed", 1)
		return ErrClosed
	}
	if rec == nil {
		h.metrics.TrackDropped("nil_record", 1)
		return NewError(KindFormatter, "emit", h.cfg.Name, errors.New("nil record"))
	}

	msg := h.format(rec)
	if h.queue != nil {
		if err := h.enqueue(msg); err != nil {
			return err
		}
		if h.failing.Load() {
			return NewError(KindTransientSink, "emit", h.cfg.Name, ErrSinkFailing)
		}
		return nil
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	err := h.appendLocked(msg, h.now())
	h.afterWriteLocked()
	return err
}

// EmitBatch emits every record and returns the first failure. Later
// records are still attempted.
func (h *Handler) EmitBatch(recs []*types.LogRecord) error {
	var first error
	for _, rec := range recs {
		if err := h.Emit(rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *Handler) format(rec *types.LogRecord) (msg []byte) {
	defer func() {
		if p := recover(); p != nil {
			msg = h.fallback(rec, errors.Errorf("formatter panic: %v", p))
		}
	}()

	data, err := h.cfg.Formatter.Format(rec)
	if err != nil {
		return h.fallback(rec, err)
	}
	return data
}

func (h *Handler) fallback(rec *types.LogRecord, cause error) []byte {
	h.metrics.TrackFormatterError()
	h.report(NewError(KindFormatter, "format", h.cfg.Name, cause), map[string]interface{}{
		"logger": rec.Logger,
		"level":  rec.Level.String(),
	})
	return formatters.Fallback(rec, cause)
}

func (h *Handler) enqueue(msg []byte) error {
	select {
	case h.queue <- msg:
		return nil
	default:
	}

	if h.cfg.Overflow == DropOldest {
		select {
		case <-h.queue:
			h.metrics.TrackDropped("queue_evicted", 1)
			h.report(NewError(KindCapacityExceeded, "emit", h.cfg.Name, ErrQueueFull),
				map[string]interface{}{"policy": h.cfg.Overflow.String()})
		default:
		}
		select {
		case h.queue <- msg:
			return nil
		default:
		}
	}

	h.metrics.TrackDropped("queue_full", 1)
	e := NewError(KindCapacityExceeded, "emit", h.cfg.Name, ErrQueueFull)
	h.report(e, map[string]interface{}{"queue_capacity": cap(h.queue)})
	return e
}

// appendLocked buffers msg and flushes when the policy says so.
func (h *Handler) appendLocked(msg []byte, now time.Time) error {
	if h.buf.WouldOverflow(len(msg)) {
		// an oversized message travels alone; a failed pre-flush stays buffered
		_ = h.flushLocked()
	}

	due, err := h.buf.Append(msg, now)
	if errors.Is(err, buffer.ErrFull) {
		// a failed batch is occupying the buffer; retry it before giving up
		_ = h.flushLocked()
		due, err = h.buf.Append(msg, now)
	}
	if err != nil {
		h.metrics.TrackDropped("buffer_full", 1)
		e := NewError(KindCapacityExceeded, "append", h.cfg.Name, err)
		h.report(e, map[string]interface{}{"capacity": h.cfg.Capacity})
		return e
	}

	if due || h.buf.Failures() > 0 {
		return h.flushLocked()
	}
	return nil
}

// flushLocked makes one write attempt of everything buffered.
func (h *Handler) flushLocked() error {
	if h.buf.Len() == 0 {
		return nil
	}

	start := time.Now()
	res, err := h.buf.Flush(h.write)
	h.failing.Store(err != nil)
	if err != nil {
		ctx := map[string]interface{}{"attempt": res.Attempt}
		if res.Dropped > 0 {
			h.metrics.TrackDropped("retries_exhausted", res.Dropped)
			ctx["dropped"] = res.Dropped
		} else {
			h.metrics.TrackRetry()
			ctx["buffered"] = h.buf.Len()
		}
		e := NewError(KindTransientSink, "flush", h.cfg.Name, err)
		h.report(e, ctx)
		return e
	}

	h.metrics.TrackBatch(res.Messages, h.written, time.Since(start))
	if h.tuner != nil {
		h.tuner.observe(res.Messages)
	}
	return nil
}

// forceFlushLocked flushes until the buffer is empty, either written or
// dropped after exhausting retries.
func (h *Handler) forceFlushLocked() error {
	var err error
	for h.buf.Len() > 0 {
		err = h.flushLocked()
	}
	return err
}

// write hands one batch to the sink as a single call.
func (h *Handler) write(msgs [][]byte) error {
	if h.batcher != nil {
		n := 0
		for _, m := range msgs {
			n += len(m)
		}
		h.written = n
		return h.batcher.WriteBatch(msgs)
	}

	b := h.pool.Get()
	defer h.pool.Put(b)
	buffer.Join(b, msgs, h.delim)
	h.written = b.Len()

	n, err := h.sink.Write(b.Bytes())
	if err != nil {
		return err
	}
	if n < b.Len() {
		return io.ErrShortWrite
	}
	return nil
}

// afterWriteLocked publishes buffer state for Stats and the worker timers.
func (h *Handler) afterWriteLocked() {
	h.buffered.Store(int64(h.buf.Len()))

	switch {
	case h.buf.Len() == 0:
		h.deadline.Store(0)
	case h.buf.Failures() > 0:
		h.deadline.Store(h.now().Add(h.cfg.RetryInterval).UnixNano())
	case h.cfg.Window > 0:
		h.deadline.Store(h.buf.Oldest().Add(h.cfg.Window).UnixNano())
	default:
		h.deadline.Store(0)
	}
}

func (h *Handler) report(e *Error, ctx map[string]interface{}) {
	h.metrics.TrackError(e.Kind.String())
	h.reporter.Report(LogError{
		Timestamp: h.now(),
		Kind:      e.Kind,
		Component: h.cfg.Name,
		Message:   e.Op + " failed",
		Context:   ctx,
		Err:       e.Err,
	})
}

// Flush writes everything emitted so far. In async mode a worker services
// the request so ordering with queued messages is kept.
func (h *Handler) Flush() error {
	h.emitMu.RLock()
	closed := h.closed
	h.emitMu.RUnlock()
	if closed {
		return nil
	}

	if h.queue == nil {
		h.writeMu.Lock()
		defer h.writeMu.Unlock()
		err := h.forceFlushLocked()
		h.afterWriteLocked()
		return err
	}

	timeout := time.NewTimer(h.cfg.ShutdownTimeout)
	defer timeout.Stop()

	reply := make(chan error, 1)
	select {
	case h.flushReq <- reply:
	case <-h.stop:
		return nil
	case <-timeout.C:
		return NewError(KindTransientSink, "flush", h.cfg.Name, ErrFlushTimeout)
	}

	select {
	case err := <-reply:
		return err
	case <-timeout.C:
		return NewError(KindTransientSink, "flush", h.cfg.Name, ErrFlushTimeout)
	}
}

// Close drains and flushes pending messages, then closes the sink. It waits
// at most ShutdownTimeout for workers. Calling Close again is a no-op.
func (h *Handler) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ShutdownTimeout)
	defer cancel()
	return h.Shutdown(ctx)
}

// Shutdown is Close bounded by ctx instead of ShutdownTimeout.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.closeErr = h.shutdown(ctx)
	})
	return h.closeErr
}

func (h *Handler) shutdown(ctx context.Context) error {
	h.emitMu.Lock()
	h.closed = true
	h.emitMu.Unlock()

	var errs []error
	if h.queue != nil {
		close(h.stop)

		done := make(chan struct{})
		go func() {
			h.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			h.forced.Store(true)
			errs = append(errs, h.forceDrain())
		}
	}

	if h.forced.Load() {
		// a worker may still be inside a sink write holding the sink's lock
		go h.closeSink()
		return errs[0]
	}

	h.writeMu.Lock()
	if err := h.forceFlushLocked(); err != nil {
		errs = append(errs, err)
	}
	h.afterWriteLocked()
	h.writeMu.Unlock()

	if err := h.closeSink(); err != nil {
		errs = append(errs, err)
	}

	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return errors.Errorf("close errors: %v", errs)
	}
}

// forceDrain handles whatever is queued after workers missed the deadline:
// written synchronously if the writer lock is free, otherwise dropped and
// counted.
func (h *Handler) forceDrain() error {
	e := NewError(KindCapacityExceeded, "close", h.cfg.Name, ErrShutdownTimeout)

	if h.writeMu.TryLock() {
		now := h.now()
		for drained := false; !drained; {
			select {
			case msg := <-h.queue:
				_ = h.appendLocked(msg, now) // failures are counted and reported inside
			default:
				drained = true
			}
		}
		_ = h.forceFlushLocked()
		h.afterWriteLocked()
		h.writeMu.Unlock()
		h.report(e, map[string]interface{}{"written_synchronously": true})
		return e
	}

	n := 0
	for drained := false; !drained; {
		select {
		case <-h.queue:
			n++
		default:
			drained = true
		}
	}
	h.metrics.TrackDropped("shutdown_timeout", n)
	h.report(e, map[string]interface{}{"dropped": n})
	return e
}

func (h *Handler) closeSink() error {
	if err := h.sink.Close(); err != nil {
		e := NewError(KindTransientSink, "close", h.cfg.Name, err)
		h.report(e, nil)
		return e
	}
	return nil
}

// Stats returns a snapshot of the handler counters. It never blocks on the
// writer.
func (h *Handler) Stats() Stats {
	snap := h.metrics.Snapshot()
	s := Stats{
		Name:            h.cfg.Name,
		Emitted:         snap.Emitted,
		Processed:       snap.Processed,
		Dropped:         snap.Dropped,
		BytesWritten:    snap.BytesWritten,
		BatchCount:      snap.BatchCount,
		Buffered:        int(h.buffered.Load()),
		Errors:          snap.ErrorCount,
		FormatterErrors: snap.FormatterErrors,
		Retries:         snap.Retries,
		Rotations:       snap.Rotations,
		Compressions:    snap.Compressions,
		BatchSize:       int(h.batchSize.Load()),
		FlushInterval:   time.Duration(h.interval.Load()),
		DroppedByReason: snap.DroppedByReason,
		AvgWriteTime:    snap.AverageWriteTime,
	}
	if h.queue != nil {
		s.QueueDepth = len(h.queue)
		s.QueueCapacity = cap(h.queue)
	}
	return s
}
