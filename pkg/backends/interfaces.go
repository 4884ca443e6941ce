package backends

import (
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// ErrSinkClosed is returned by writes to a sink that has been closed.
var ErrSinkClosed = errors.New("sink is closed")

// Sink is a destination for encoded log payloads. A payload is one or more
// concatenated messages; sinks must not retain it after Write returns.
//
// Close must be idempotent. Writes after Close return ErrSinkClosed and must
// never panic.
type Sink interface {
	Write(payload []byte) (int, error)
	Close() error
}

// BatchWriter is implemented by sinks that deliver messages individually,
// such as message brokers where each message becomes one publish. Handlers
// detect it once when the sink is attached.
type BatchWriter interface {
	WriteBatch(msgs [][]byte) error
}

// BatchSelector is implemented by BatchWriters that only want per-message
// delivery in some configurations. Handlers use WriteBatch when UsesBatch
// returns true and join batches into a single Write otherwise.
type BatchSelector interface {
	UsesBatch() bool
}

// Syncer is implemented by sinks that can force written data to stable storage.
type Syncer interface {
	Sync() error
}

// Stats is a snapshot of a sink's own counters.
type Stats struct {
	Name         string `json:"name"`
	WriteCount   uint64 `json:"write_count"`
	BytesWritten uint64 `json:"bytes_written"`
	ErrorCount   uint64 `json:"error_count"`
}

// StatsProvider is implemented by sinks that track their own counters.
type StatsProvider interface {
	Stats() Stats
}

// IsDiskFull reports whether err means the filesystem is out of space.
func IsDiskFull(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ENOSPC) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "no space left") ||
		strings.Contains(errStr, "disk full") ||
		strings.Contains(errStr, "out of disk space")
}
