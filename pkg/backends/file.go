package backends

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// FileOptions configures a FileSink.
type FileOptions struct {
	// Lock takes an exclusive flock on "<path>.lock" around every write so
	// several processes can append to the same file.
	Lock bool
	// Mode is the permission used when the file is created. Defaults to 0644.
	Mode os.FileMode
	// Header, when set, is called whenever the sink opens an empty file and
	// its result is written before any payload.
	Header func() []byte
}

// FileSink appends payloads to a file. Each Write is a single write(2) call
// on the underlying descriptor; batching happens upstream.
type FileSink struct {
	mu     sync.Mutex
	path   string
	opts   FileOptions
	file   *os.File
	lock   *flock.Flock
	size   int64
	closed bool

	writes atomic.Uint64
	bytes  atomic.Uint64
	errs   atomic.Uint64
}

// NewFileSink opens (creating if needed) the file at path.
func NewFileSink(path string, opts FileOptions) (*FileSink, error) {
	if path == "" {
		return nil, errors.New("file path cannot be empty")
	}
	if opts.Mode == 0 {
		opts.Mode = 0644
	}

	cleanPath := filepath.Clean(path)
	// #nosec G301 - log directories need to be accessible by other processes
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0755); err != nil {
		return nil, errors.Wrap(err, "create directory")
	}

	fs := &FileSink{path: cleanPath, opts: opts}
	if opts.Lock {
		fs.lock = flock.New(cleanPath + ".lock")
	}
	if err := fs.open(); err != nil {
		return nil, err
	}
	return fs, nil
}

// open must be called with mu held (or before the sink is shared).
func (fs *FileSink) open() error {
	file, err := os.OpenFile(fs.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, fs.opts.Mode) // #nosec G302 - log files need to be readable
	if err != nil {
		return errors.Wrap(err, "open file")
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return errors.Wrap(err, "stat file")
	}

	fs.file = file
	fs.size = info.Size()

	if fs.size == 0 && fs.opts.Header != nil {
		if header := fs.opts.Header(); len(header) > 0 {
			n, err := fs.writeLocked(header)
			fs.size += int64(n)
			if err != nil {
				return errors.Wrap(err, "write header")
			}
		}
	}
	return nil
}

func (fs *FileSink) writeLocked(p []byte) (int, error) {
	if fs.lock != nil {
		if err := fs.lock.Lock(); err != nil {
			return 0, errors.Wrap(err, "acquire lock")
		}
		defer func() {
			_ = fs.lock.Unlock() // released with the process anyway
		}()
	}
	return fs.file.Write(p)
}

// Write implements Sink.
func (fs *FileSink) Write(p []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return 0, ErrSinkClosed
	}
	if fs.file == nil {
		if err := fs.open(); err != nil {
			fs.errs.Add(1)
			return 0, err
		}
	}

	n, err := fs.writeLocked(p)
	fs.size += int64(n)
	if err != nil {
		fs.errs.Add(1)
		return n, errors.Wrapf(err, "write %s", fs.path)
	}
	fs.writes.Add(1)
	fs.bytes.Add(uint64(n))
	return n, nil
}

// Size returns the current file size, including bytes written by others
// before the file was opened.
func (fs *FileSink) Size() int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.size
}

// Path returns the file path
func (fs *FileSink) Path() string { return fs.path }

// Sync syncs the file to disk
func (fs *FileSink) Sync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return nil
	}
	return fs.file.Sync()
}

// Detach syncs and closes the current descriptor without closing the sink.
// The next Write or Reopen opens the path again. Used by rotation.
func (fs *FileSink) Detach() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.file == nil {
		return nil
	}
	syncErr := fs.file.Sync()
	closeErr := fs.file.Close()
	fs.file = nil
	fs.size = 0
	if closeErr != nil {
		return errors.Wrap(closeErr, "close file")
	}
	if syncErr != nil {
		return errors.Wrap(syncErr, "sync file")
	}
	return nil
}

// Reopen opens the path again after Detach.
func (fs *FileSink) Reopen() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return ErrSinkClosed
	}
	if fs.file != nil {
		return nil
	}
	return fs.open()
}

// Close closes the file backend
func (fs *FileSink) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return nil
	}
	fs.closed = true

	if fs.file == nil {
		return nil
	}
	var errs []error
	if err := fs.file.Sync(); err != nil {
		errs = append(errs, errors.Wrap(err, "sync"))
	}
	if err := fs.file.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "close file"))
	}
	fs.file = nil

	if len(errs) > 0 {
		return errors.Errorf("close errors: %v", errs)
	}
	return nil
}

// Stats implements StatsProvider.
func (fs *FileSink) Stats() Stats {
	return Stats{
		Name:         fs.path,
		WriteCount:   fs.writes.Load(),
		BytesWritten: fs.bytes.Load(),
		ErrorCount:   fs.errs.Load(),
	}
}
