package features

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// CompressionType defines the compression algorithm used for rotated log files.
type CompressionType int

const (
	// CompressionNone disables compression
	CompressionNone CompressionType = iota
	// CompressionGzip enables gzip compression
	CompressionGzip
)

// String returns the configuration name of the compression type.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	default:
		return "unknown"
	}
}

// ParseCompressionType parses a string into a CompressionType
func ParseCompressionType(s string) (CompressionType, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "gzip":
		return CompressionGzip, nil
	default:
		return CompressionNone, errors.Errorf("unsupported compression type: %s", s)
	}
}

// CompressionResult is delivered to the completion callback for every queued file.
type CompressionResult struct {
	Source     string // the uncompressed backup
	Compressed string // the .gz file, empty on failure
	Err        error
}

// CompressionManager compresses rotated files on background workers so the
// write path never waits for gzip.
type CompressionManager struct {
	mu              sync.RWMutex
	compressionType CompressionType
	workers         int
	compressCh      chan string
	compressWg      sync.WaitGroup
	onComplete      func(CompressionResult)
}

// NewCompressionManager creates a compression manager. Workers start with Start.
func NewCompressionManager(ct CompressionType, workers int, onComplete func(CompressionResult)) *CompressionManager {
	if workers < 1 {
		workers = 1
	}
	return &CompressionManager{
		compressionType: ct,
		workers:         workers,
		onComplete:      onComplete,
	}
}

// Type returns the current compression type
func (c *CompressionManager) Type() CompressionType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.compressionType
}

// Start starts the background workers. It is a no-op when compression is
// disabled or the workers already run.
func (c *CompressionManager) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.compressionType == CompressionNone || c.compressCh != nil {
		return
	}

	c.compressCh = make(chan string, 100)
	for i := 0; i < c.workers; i++ {
		c.compressWg.Add(1)
		go func(ch <-chan string) {
			defer c.compressWg.Done()
			for path := range ch {
				c.finish(c.compressFile(path))
			}
		}(c.compressCh)
	}
}

// Stop closes the queue and waits for queued files to finish.
func (c *CompressionManager) Stop() {
	c.mu.Lock()
	ch := c.compressCh
	c.compressCh = nil
	c.mu.Unlock()

	if ch != nil {
		close(ch)
		c.compressWg.Wait()
	}
}

// QueueFile adds a file to the compression queue. It returns false if the
// manager is stopped or the queue is full; the caller decides what to do
// with the file.
func (c *CompressionManager) QueueFile(path string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.compressCh == nil {
		return false
	}
	select {
	case c.compressCh <- path:
		return true
	default:
		return false
	}
}

// CompressFileSync compresses a file synchronously (blocking)
func (c *CompressionManager) CompressFileSync(path string) CompressionResult {
	return c.compressFile(path)
}

func (c *CompressionManager) finish(res CompressionResult) {
	c.mu.RLock()
	cb := c.onComplete
	c.mu.RUnlock()
	if cb != nil {
		cb(res)
	}
}

func (c *CompressionManager) compressFile(path string) CompressionResult {
	switch c.Type() {
	case CompressionGzip:
		dst, err := compressFileGzip(path)
		return CompressionResult{Source: path, Compressed: dst, Err: err}
	case CompressionNone:
		return CompressionResult{Source: path}
	default:
		return CompressionResult{Source: path, Err: errors.Errorf("unsupported compression type: %v", c.Type())}
	}
}

// compressFileGzip writes path.gz and removes path. A partial .gz is removed on failure.
func compressFileGzip(path string) (compressedPath string, err error) {
	cleanPath := filepath.Clean(path)
	compressedPath = cleanPath + ".gz"

	src, err := os.Open(cleanPath)
	if err != nil {
		return "", errors.Wrap(err, "opening source file for compression")
	}
	defer src.Close()

	dst, err := os.OpenFile(compressedPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644) // #nosec G302 - compressed log files
	if err != nil {
		return "", errors.Wrap(err, "creating compressed file")
	}

	fail := func(cause error, msg string) (string, error) {
		_ = dst.Close()
		_ = os.Remove(compressedPath) // partial output is useless
		return "", errors.Wrap(cause, msg)
	}

	gw := gzip.NewWriter(dst)
	gw.Name = filepath.Base(cleanPath)
	if _, err := io.Copy(gw, src); err != nil {
		return fail(err, "compressing file")
	}
	if err := gw.Close(); err != nil {
		return fail(err, "closing gzip writer")
	}
	if err := dst.Sync(); err != nil {
		return fail(err, "syncing compressed file")
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(compressedPath)
		return "", errors.Wrap(err, "closing compressed file")
	}

	if err := os.Remove(cleanPath); err != nil {
		_ = os.Remove(compressedPath)
		return "", errors.Wrap(err, "removing original file after compression")
	}
	return compressedPath, nil
}

// CompressionStatus represents the status of the compression manager
type CompressionStatus struct {
	Type          CompressionType `json:"type"`
	Workers       int             `json:"workers"`
	IsRunning     bool            `json:"is_running"`
	QueueLength   int             `json:"queue_length"`
	QueueCapacity int             `json:"queue_capacity"`
}

// Status returns the current status of the compression manager
func (c *CompressionManager) Status() CompressionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := CompressionStatus{
		Type:      c.compressionType,
		Workers:   c.workers,
		IsRunning: c.compressCh != nil,
	}
	if c.compressCh != nil {
		status.QueueLength = len(c.compressCh)
		status.QueueCapacity = cap(c.compressCh)
	}
	return status
}
