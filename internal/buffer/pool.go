package buffer

import (
	"bytes"
	"sync"
)

// maxPooledSize caps the buffers returned to the pool so one huge batch does
// not pin memory.
const maxPooledSize = 256 * 1024

// BufferPool manages reusable byte buffers for joining batches before they
// are written.
type BufferPool struct {
	pool     sync.Pool
	capacity int
}

// NewBufferPool creates a pool with 4 KiB initial buffers.
func NewBufferPool() *BufferPool {
	return NewBufferPoolWithCapacity(4096)
}

// NewBufferPoolWithCapacity creates a pool with the given initial buffer capacity.
func NewBufferPoolWithCapacity(capacity int) *BufferPool {
	bp := &BufferPool{capacity: capacity}
	bp.pool.New = func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, capacity))
	}
	return bp
}

// Get returns an empty buffer.
func (bp *BufferPool) Get() *bytes.Buffer {
	buf, ok := bp.pool.Get().(*bytes.Buffer)
	if !ok {
		return bytes.NewBuffer(make([]byte, 0, bp.capacity))
	}
	buf.Reset()
	return buf
}

// Put returns buf to the pool. Nil and oversized buffers are discarded.
func (bp *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledSize {
		return
	}
	buf.Reset()
	bp.pool.Put(buf)
}
