package omni

import (
	"time"
)

// worker drains the queue. Only the worker holding drainMu receives; it
// takes writeMu before releasing drainMu, so batches reach the sink in
// queue order even with several workers.
func (h *Handler) worker() {
	defer h.wg.Done()

	timer := time.NewTimer(h.wait())
	defer timer.Stop()
	batch := make([][]byte, 0, h.cfg.Capacity)

	for {
		h.drainMu.Lock()
		select {
		case msg := <-h.queue:
			batch = h.collect(append(batch[:0], msg), int(h.batchSize.Load()))
			_ = h.handoff(batch, false) // failures are counted and reported inside

		case <-timer.C:
			h.drainMu.Unlock()
			h.tick()

		case reply := <-h.flushReq:
			batch = h.drainAll(batch[:0])
			reply <- h.handoff(batch, true)

		case <-h.stop:
			batch = h.drainAll(batch[:0])
			_ = h.handoff(batch, true)
			return
		}
		timer.Reset(h.wait())
	}
}

// collect receives more messages without blocking, up to max in total.
func (h *Handler) collect(batch [][]byte, max int) [][]byte {
	for len(batch) < max {
		select {
		case msg := <-h.queue:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
	return batch
}

func (h *Handler) drainAll(batch [][]byte) [][]byte {
	for {
		select {
		case msg := <-h.queue:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
}

// handoff is called with drainMu held and releases it.
func (h *Handler) handoff(batch [][]byte, force bool) error {
	h.writeMu.Lock()
	h.drainMu.Unlock()
	defer h.writeMu.Unlock()

	var err error
	now := h.now()
	for i, msg := range batch {
		if e := h.appendLocked(msg, now); e != nil {
			err = e
		}
		batch[i] = nil
	}
	if force {
		if e := h.forceFlushLocked(); e != nil {
			err = e
		}
	}
	h.afterWriteLocked()
	return err
}

// tick runs the time trigger and the adaptive tuner.
func (h *Handler) tick() {
	now := h.now()

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if h.tuner != nil {
		size, interval := h.tuner.adjust(now)
		h.batchSize.Store(int64(size))
		h.interval.Store(int64(interval))
	}

	if h.buf.Len() > 0 && (h.buf.Due(now) || h.buf.Failures() > 0 || h.tuner != nil) {
		_ = h.flushLocked() // failures are counted and reported inside
	}
	h.afterWriteLocked()
}

// wait returns how long the worker may sleep before the next tick.
func (h *Handler) wait() time.Duration {
	d := time.Duration(h.interval.Load())
	if dl := h.deadline.Load(); dl != 0 {
		if until := time.Duration(dl - h.now().UnixNano()); until < d {
			d = until
		}
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
