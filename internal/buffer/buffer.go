package buffer

import (
	"bytes"
	"errors"
	"time"
)

// ErrFull is returned by Append when the buffer already holds Capacity
// messages. It only happens while a failed flush is being retried.
var ErrFull = errors.New("buffer is full")

// Config holds the flush policy of a Buffer.
type Config struct {
	Capacity   int           // Flush once this many messages are pending (minimum 1)
	MaxBytes   int           // Flush once pending bytes reach this size; 0 disables
	Window     time.Duration // Flush once the oldest message is this old; 0 disables
	MaxRetries int           // Failed flushes tolerated before pending messages are dropped
}

// Buffer accumulates encoded messages in FIFO order and decides when they
// are due for a flush. A flush hands every pending message to a single
// write call and clears the buffer only if that write succeeds.
//
// Buffer is not safe for concurrent use; the owning handler serializes all
// access behind its writer lock.
type Buffer struct {
	cfg      Config
	pending  [][]byte
	size     int
	oldest   time.Time
	failures int
}

// FlushResult describes the outcome of one Flush call.
type FlushResult struct {
	Messages int // Messages written
	Bytes    int // Bytes written
	Dropped  int // Messages discarded after exhausting retries
	Attempt  int // Consecutive failed attempts, including this one
}

// New creates a Buffer with the given policy.
func New(cfg Config) *Buffer {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Buffer{
		cfg:     cfg,
		pending: make([][]byte, 0, cfg.Capacity),
	}
}

// Config returns the buffer's policy.
func (b *Buffer) Config() Config { return b.cfg }

// Len returns the number of pending messages.
func (b *Buffer) Len() int { return len(b.pending) }

// Size returns the number of pending bytes.
func (b *Buffer) Size() int { return b.size }

// Oldest returns the arrival time of the oldest pending message.
func (b *Buffer) Oldest() time.Time { return b.oldest }

// Failures returns the number of consecutive failed flushes.
func (b *Buffer) Failures() int { return b.failures }

// Full reports whether the buffer holds Capacity messages.
func (b *Buffer) Full() bool { return len(b.pending) >= b.cfg.Capacity }

// WouldOverflow reports whether appending n bytes to a non-empty buffer
// would exceed MaxBytes. Callers flush first so that an oversized message
// travels alone.
func (b *Buffer) WouldOverflow(n int) bool {
	return b.cfg.MaxBytes > 0 && len(b.pending) > 0 && b.size+n > b.cfg.MaxBytes
}

// Append adds msg to the tail of the buffer. The buffer takes ownership of
// msg. It reports whether a flush is now due.
func (b *Buffer) Append(msg []byte, now time.Time) (bool, error) {
	if b.Full() {
		return true, ErrFull
	}
	if len(b.pending) == 0 {
		b.oldest = now
	}
	b.pending = append(b.pending, msg)
	b.size += len(msg)
	return b.Due(now), nil
}

// Due reports whether pending messages should be flushed at time now.
func (b *Buffer) Due(now time.Time) bool {
	if len(b.pending) == 0 {
		return false
	}
	if len(b.pending) >= b.cfg.Capacity {
		return true
	}
	if b.cfg.MaxBytes > 0 && b.size >= b.cfg.MaxBytes {
		return true
	}
	return b.cfg.Window > 0 && now.Sub(b.oldest) >= b.cfg.Window
}

// Flush passes all pending messages to write. On success the buffer is
// cleared. On failure the messages are retained for the next attempt until
// MaxRetries consecutive failures have occurred; the attempt after that
// drops them and reports the count in FlushResult.Dropped.
func (b *Buffer) Flush(write func(msgs [][]byte) error) (FlushResult, error) {
	if len(b.pending) == 0 {
		return FlushResult{}, nil
	}

	if err := write(b.pending); err != nil {
		b.failures++
		res := FlushResult{Attempt: b.failures}
		if b.failures > b.cfg.MaxRetries {
			res.Dropped = b.reset()
		}
		return res, err
	}

	res := FlushResult{Messages: len(b.pending), Bytes: b.size}
	b.reset()
	return res, nil
}

// Drop discards all pending messages and returns how many there were.
func (b *Buffer) Drop() int {
	return b.reset()
}

func (b *Buffer) reset() int {
	n := len(b.pending)
	for i := range b.pending {
		b.pending[i] = nil
	}
	b.pending = b.pending[:0]
	b.size = 0
	b.failures = 0
	b.oldest = time.Time{}
	return n
}

// Join concatenates msgs into dst. When delim is non-empty it is appended
// after every message that does not already end with it.
func Join(dst *bytes.Buffer, msgs [][]byte, delim []byte) {
	for _, m := range msgs {
		dst.Write(m)
		if len(delim) > 0 && !bytes.HasSuffix(m, delim) {
			dst.Write(delim)
		}
	}
}
