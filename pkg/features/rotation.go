package features

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnisink/pkg/backends"
)

// maxTrackedBackups bounds RotationState.Backups.
const maxTrackedBackups = 64

// RotateWhen selects a calendar boundary for time-based rotation.
type RotateWhen int

const (
	RotateNever RotateWhen = iota
	RotateMinutely
	RotateHourly
	RotateDaily // midnight in the policy location
)

func (w RotateWhen) String() string {
	switch w {
	case RotateMinutely:
		return "minutely"
	case RotateHourly:
		return "hourly"
	case RotateDaily:
		return "daily"
	default:
		return "never"
	}
}

// ParseRotateWhen parses a calendar boundary name.
func ParseRotateWhen(s string) (RotateWhen, error) {
	switch s {
	case "", "never":
		return RotateNever, nil
	case "minutely":
		return RotateMinutely, nil
	case "hourly":
		return RotateHourly, nil
	case "daily", "midnight":
		return RotateDaily, nil
	}
	return RotateNever, errors.Errorf("unknown rotation boundary %q", s)
}

// RotationPolicy configures when a RotatingFile rotates and what it keeps.
// Size and time triggers combine: whichever fires first rotates.
type RotationPolicy struct {
	MaxBytes        int64
	Interval        time.Duration
	When            RotateWhen
	Location        *time.Location // defaults to UTC
	MaxBackups      int
	MaxAge          time.Duration
	Compress        CompressionType
	CompressWorkers int
	Naming          Naming
}

// Validate checks the policy for impossible values.
func (p RotationPolicy) Validate() error {
	switch {
	case p.MaxBytes < 0:
		return errors.Errorf("max bytes cannot be negative: %d", p.MaxBytes)
	case p.Interval < 0:
		return errors.Errorf("rotation interval cannot be negative: %v", p.Interval)
	case p.MaxBackups < 0:
		return errors.Errorf("max backups cannot be negative: %d", p.MaxBackups)
	case p.MaxAge < 0:
		return errors.Errorf("max age cannot be negative: %v", p.MaxAge)
	case p.CompressWorkers < 0:
		return errors.Errorf("compress workers cannot be negative: %d", p.CompressWorkers)
	}
	return nil
}

// Enabled reports whether any trigger is configured.
func (p RotationPolicy) Enabled() bool {
	return p.MaxBytes > 0 || p.Interval > 0 || p.When != RotateNever
}

// next returns the next time trigger after from, or the zero time.
func (p RotationPolicy) next(from time.Time) time.Time {
	var next time.Time
	if p.Interval > 0 {
		next = from.Add(p.Interval)
	}

	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	t := from.In(loc)
	var boundary time.Time
	switch p.When {
	case RotateMinutely:
		boundary = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute()+1, 0, 0, loc)
	case RotateHourly:
		boundary = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
	case RotateDaily:
		boundary = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
	}

	if !boundary.IsZero() && (next.IsZero() || boundary.Before(next)) {
		next = boundary
	}
	return next
}

// Phase is the rotation controller state.
type Phase int

const (
	PhaseActive Phase = iota
	PhaseRotating
)

func (p Phase) String() string {
	if p == PhaseRotating {
		return "rotating"
	}
	return "active"
}

// RotationState is a snapshot of a RotatingFile.
type RotationState struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	Phase        Phase     `json:"phase"`
	Count        uint64    `json:"count"`
	LastRotation time.Time `json:"last_rotation"`
	NextRotation time.Time `json:"next_rotation"`
	Backups      []string  `json:"backups"` // oldest first
}

// RotatingOptions holds the collaborators of a RotatingFile.
type RotatingOptions struct {
	File backends.FileOptions
	// OnError receives every rotation, compression and retention failure.
	// Writes continue regardless.
	OnError func(op string, err error)
	// OnRotate is called with the backup path after each successful rotation.
	OnRotate func(backup string)
	// OnCompress is called from a compression worker once a backup has
	// been replaced by its compressed form.
	OnCompress func(src, dst string)
	Clock      func() time.Time
}

// RotatingFile is a file sink that rotates itself before a write would cross
// a size threshold or after a time trigger fires.
//
// Rotation happens inside Write while the sink lock is held, so every byte
// lands either in a backup or in the active file, exactly once.
type RotatingFile struct {
	mu     sync.Mutex
	file   *backends.FileSink
	policy RotationPolicy
	opts   RotatingOptions
	now    func() time.Time
	state  RotationState
	floor  int64 // active size that does not count as content (header)
	closed bool

	compressor *CompressionManager

	retainMu sync.Mutex
	pending  map[string]struct{}
	backups  []string
}

// NewRotatingFile opens path and applies policy to it.
func NewRotatingFile(path string, policy RotationPolicy, opts RotatingOptions) (*RotatingFile, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	fresh := true
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		fresh = false
	}

	file, err := backends.NewFileSink(path, opts.File)
	if err != nil {
		return nil, err
	}

	r := &RotatingFile{
		file:    file,
		policy:  policy,
		opts:    opts,
		now:     opts.Clock,
		pending: make(map[string]struct{}),
	}
	if fresh {
		r.floor = file.Size()
	}

	now := r.now()
	r.state = RotationState{
		Path:         file.Path(),
		NextRotation: policy.next(now),
	}

	if existing, err := ListBackups(file.Path()); err == nil {
		for _, b := range existing {
			r.backups = append(r.backups, b.Path)
		}
		r.trimTracked()
	}

	if policy.Compress != CompressionNone {
		r.compressor = NewCompressionManager(policy.Compress, policy.CompressWorkers, r.compressed)
		r.compressor.Start()
	}
	return r, nil
}

// Write implements backends.Sink.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, backends.ErrSinkClosed
	}

	now := r.now()
	if r.shouldRotate(len(p), now) {
		if err := r.rotateLocked(now); err != nil {
			r.report("rotate", err)
		}
	}

	n, err := r.file.Write(p)
	if err != nil && n == 0 && backends.IsDiskFull(err) {
		if r.pruneOldest() {
			n, err = r.file.Write(p)
		}
	}
	return n, err
}

func (r *RotatingFile) shouldRotate(n int, now time.Time) bool {
	size := r.file.Size()
	if r.policy.MaxBytes > 0 && size > r.floor && size+int64(n) > r.policy.MaxBytes {
		return true
	}

	next := r.state.NextRotation
	if next.IsZero() || now.Before(next) {
		return false
	}
	if size > r.floor {
		return true
	}
	// nothing to rotate; wait for the next boundary
	r.state.NextRotation = r.policy.next(now)
	return false
}

// Rotate forces a rotation.
func (r *RotatingFile) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return backends.ErrSinkClosed
	}
	return r.rotateLocked(r.now())
}

func (r *RotatingFile) rotateLocked(now time.Time) error {
	r.state.Phase = PhaseRotating
	defer func() { r.state.Phase = PhaseActive }()

	path := r.file.Path()
	if err := r.file.Detach(); err != nil {
		r.reopen()
		return errors.Wrap(err, "closing active file")
	}

	backup, err := nextBackupName(path, r.policy.Naming, now)
	if err != nil {
		r.reopen()
		return err
	}

	if err := moveFile(path, backup); err != nil {
		r.reopen()
		return errors.Wrapf(err, "moving %s to %s", path, backup)
	}

	r.state.Count++
	r.state.LastRotation = now
	r.state.NextRotation = r.policy.next(now)

	if err := r.file.Reopen(); err != nil {
		// the next Write retries the open
		r.floor = 0
		r.report("reopen", err)
	} else {
		r.floor = r.file.Size()
	}

	r.track(backup)
	if r.opts.OnRotate != nil {
		r.opts.OnRotate(backup)
	}

	if r.compressor != nil {
		r.retainMu.Lock()
		r.pending[backup] = struct{}{}
		r.retainMu.Unlock()

		if r.compressor.QueueFile(backup) {
			return nil
		}

		r.retainMu.Lock()
		delete(r.pending, backup)
		r.retainMu.Unlock()
		r.report("compress", errors.Errorf("compression queue full, %s left uncompressed", backup))
	}
	r.prune()
	return nil
}

func (r *RotatingFile) reopen() {
	if err := r.file.Reopen(); err != nil {
		r.report("reopen", err)
	}
}

// compressed runs on a compression worker.
func (r *RotatingFile) compressed(res CompressionResult) {
	r.retainMu.Lock()
	delete(r.pending, res.Source)
	if res.Err == nil {
		for i, b := range r.backups {
			if b == res.Source {
				r.backups[i] = res.Compressed
			}
		}
	}
	r.retainMu.Unlock()

	if res.Err != nil {
		r.report("compress", res.Err)
	} else if r.opts.OnCompress != nil {
		r.opts.OnCompress(res.Source, res.Compressed)
	}
	r.prune()
}

// retained lists backups eligible for retention. Caller holds retainMu.
func (r *RotatingFile) retained() []Backup {
	backups, err := ListBackups(r.file.Path())
	if err != nil {
		r.report("retention", err)
		return nil
	}
	eligible := backups[:0]
	for _, b := range backups {
		src := b.Path
		if b.Compressed {
			src = src[:len(src)-len(".gz")]
		}
		if _, busy := r.pending[src]; busy {
			continue
		}
		eligible = append(eligible, b)
	}
	return eligible
}

// prune applies MaxBackups and MaxAge.
func (r *RotatingFile) prune() {
	if r.policy.MaxBackups == 0 && r.policy.MaxAge == 0 {
		return
	}

	r.retainMu.Lock()
	defer r.retainMu.Unlock()

	backups := r.retained()
	remove := make(map[string]struct{})

	if r.policy.MaxAge > 0 {
		cutoff := r.now().Add(-r.policy.MaxAge)
		for _, b := range backups {
			if b.Time.Before(cutoff) {
				remove[b.Path] = struct{}{}
			}
		}
	}

	if r.policy.MaxBackups > 0 {
		kept := 0
		for i := len(backups) - 1; i >= 0; i-- {
			if _, gone := remove[backups[i].Path]; gone {
				continue
			}
			kept++
			if kept > r.policy.MaxBackups {
				remove[backups[i].Path] = struct{}{}
			}
		}
	}

	for _, b := range backups {
		if _, ok := remove[b.Path]; !ok {
			continue
		}
		if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) {
			r.report("retention", errors.Wrapf(err, "removing %s", b.Path))
			continue
		}
		r.untrack(b.Path)
	}
}

// pruneOldest removes the oldest backup to recover from a full disk.
func (r *RotatingFile) pruneOldest() bool {
	r.retainMu.Lock()
	defer r.retainMu.Unlock()

	backups := r.retained()
	if len(backups) == 0 {
		return false
	}
	oldest := backups[0].Path
	if err := os.Remove(oldest); err != nil {
		r.report("retention", errors.Wrapf(err, "removing %s", oldest))
		return false
	}
	r.untrack(oldest)
	r.report("retention", errors.Errorf("disk full, removed oldest backup %s", oldest))
	return true
}

func (r *RotatingFile) track(backup string) {
	r.retainMu.Lock()
	r.backups = append(r.backups, backup)
	r.trimTracked()
	r.retainMu.Unlock()
}

func (r *RotatingFile) trimTracked() {
	if over := len(r.backups) - maxTrackedBackups; over > 0 {
		r.backups = append(r.backups[:0], r.backups[over:]...)
	}
}

// untrack is called with retainMu held.
func (r *RotatingFile) untrack(path string) {
	for i, b := range r.backups {
		if b == path {
			r.backups = append(r.backups[:i], r.backups[i+1:]...)
			return
		}
	}
}

func (r *RotatingFile) report(op string, err error) {
	if r.opts.OnError != nil {
		r.opts.OnError(op, err)
	}
}

// State returns a snapshot of the rotation state.
func (r *RotatingFile) State() RotationState {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()

	state.Size = r.file.Size()
	r.retainMu.Lock()
	state.Backups = append([]string(nil), r.backups...)
	r.retainMu.Unlock()
	return state
}

// Rotations returns the number of completed rotations.
func (r *RotatingFile) Rotations() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Count
}

// Path returns the active file path.
func (r *RotatingFile) Path() string { return r.file.Path() }

// Sync implements backends.Syncer.
func (r *RotatingFile) Sync() error { return r.file.Sync() }

// Stats implements backends.StatsProvider.
func (r *RotatingFile) Stats() backends.Stats { return r.file.Stats() }

// Close waits for pending compression and closes the active file.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if r.compressor != nil {
		r.compressor.Stop()
	}
	return r.file.Close()
}

// moveFile renames src to dst, copying across filesystems.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644) // #nosec G302 - rotated logs keep log permissions
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
