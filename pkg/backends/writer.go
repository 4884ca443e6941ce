package backends

import (
	"io"
	"sync"
	"sync/atomic"
)

// WriterSink adapts any io.Writer. If the writer is also an io.Closer it is
// closed with the sink.
type WriterSink struct {
	mu     sync.Mutex
	w      io.Writer
	name   string
	closed bool

	writes atomic.Uint64
	bytes  atomic.Uint64
	errs   atomic.Uint64
}

// NewWriterSink wraps w.
func NewWriterSink(name string, w io.Writer) *WriterSink {
	return &WriterSink{w: w, name: name}
}

// Write implements Sink.
func (s *WriterSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSinkClosed
	}
	n, err := s.w.Write(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		s.errs.Add(1)
		return n, err
	}
	s.writes.Add(1)
	s.bytes.Add(uint64(n))
	return n, nil
}

// Close implements Sink.
func (s *WriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Stats implements StatsProvider.
func (s *WriterSink) Stats() Stats {
	return Stats{
		Name:         s.name,
		WriteCount:   s.writes.Load(),
		BytesWritten: s.bytes.Load(),
		ErrorCount:   s.errs.Load(),
	}
}
