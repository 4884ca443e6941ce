package omni

import (
	"sync"
	"time"
)

const (
	adaptiveSlowDownFactor = 1.5
	adaptiveSpeedUpFactor  = 0.8
	minSampleWindow        = 10 * time.Millisecond
)

// tuner adjusts the worker batch size and flush interval from the observed
// message rate. Values stay inside the configured bounds.
type tuner struct {
	mu       sync.Mutex
	cfg      AdaptiveConfig
	batch    int
	interval time.Duration
	count    int
	since    time.Time
}

func newTuner(cfg AdaptiveConfig, batch int, interval time.Duration, now time.Time) *tuner {
	t := &tuner{cfg: cfg, since: now}
	t.batch = clampInt(batch, cfg.MinBatch, cfg.MaxBatch)
	t.interval = clampDuration(interval, cfg.MinInterval, cfg.MaxInterval)
	return t
}

func (t *tuner) observe(n int) {
	t.mu.Lock()
	t.count += n
	t.mu.Unlock()
}

func (t *tuner) current() (int, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.batch, t.interval
}

// adjust samples the rate since the last call and returns the new settings.
func (t *tuner) adjust(now time.Time) (int, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := now.Sub(t.since)
	if elapsed < minSampleWindow {
		return t.batch, t.interval
	}
	perSecond := float64(t.count) / elapsed.Seconds()
	t.count = 0
	t.since = now

	switch {
	case perSecond > t.cfg.TargetRate*2:
		// busy: bigger batches, more frequent flushes
		t.batch = clampInt(int(float64(t.batch)*adaptiveSlowDownFactor+0.5), t.cfg.MinBatch, t.cfg.MaxBatch)
		t.interval = clampDuration(time.Duration(float64(t.interval)*adaptiveSpeedUpFactor), t.cfg.MinInterval, t.cfg.MaxInterval)
	case perSecond < t.cfg.TargetRate/2:
		t.batch = clampInt(int(float64(t.batch)*adaptiveSpeedUpFactor), t.cfg.MinBatch, t.cfg.MaxBatch)
		t.interval = clampDuration(time.Duration(float64(t.interval)*adaptiveSlowDownFactor), t.cfg.MinInterval, t.cfg.MaxInterval)
	}
	return t.batch, t.interval
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
