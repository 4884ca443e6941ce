package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	s := c.Snapshot()
	if s.Processed != 0 || s.Dropped != 0 || s.ErrorCount != 0 {
		t.Errorf("expected zero snapshot, got %+v", s)
	}
	if s.AverageWriteTime != 0 {
		t.Errorf("AverageWriteTime = %v, want 0", s.AverageWriteTime)
	}
}

func TestTrackBatch(t *testing.T) {
	c := NewCollector()
	c.TrackBatch(3, 30, 10*time.Millisecond)
	c.TrackBatch(2, 20, 30*time.Millisecond)

	s := c.Snapshot()
	if s.Processed != 5 {
		t.Errorf("Processed = %d, want 5", s.Processed)
	}
	if s.BytesWritten != 50 {
		t.Errorf("BytesWritten = %d, want 50", s.BytesWritten)
	}
	if s.BatchCount != 2 {
		t.Errorf("BatchCount = %d, want 2", s.BatchCount)
	}
	if s.AverageWriteTime != 20*time.Millisecond {
		t.Errorf("AverageWriteTime = %v, want 20ms", s.AverageWriteTime)
	}
	if s.MaxWriteTime != 30*time.Millisecond {
		t.Errorf("MaxWriteTime = %v, want 30ms", s.MaxWriteTime)
	}
}

func TestTrackDropped(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		n      int
		want   uint64
	}{
		{"queue full", "queue_full", 3, 3},
		{"ignored zero", "noop", 0, 0},
		{"ignored negative", "noop", -1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCollector()
			c.TrackDropped(tt.reason, tt.n)
			s := c.Snapshot()
			if s.Dropped != tt.want {
				t.Errorf("Dropped = %d, want %d", s.Dropped, tt.want)
			}
			if s.DroppedByReason[tt.reason] != tt.want {
				t.Errorf("DroppedByReason[%s] = %d, want %d", tt.reason, s.DroppedByReason[tt.reason], tt.want)
			}
		})
	}
}

func TestTrackError(t *testing.T) {
	c := NewCollector()
	c.TrackError("sink")
	c.TrackError("sink")
	c.TrackError("rotation")

	if c.ErrorCount() != 3 {
		t.Errorf("ErrorCount() = %d, want 3", c.ErrorCount())
	}
	s := c.Snapshot()
	if s.ErrorsBySource["sink"] != 2 || s.ErrorsBySource["rotation"] != 1 {
		t.Errorf("ErrorsBySource = %v", s.ErrorsBySource)
	}
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	const workers, per = 8, 500

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < per; j++ {
				c.TrackEmit()
				c.TrackBatch(1, 10, time.Microsecond)
				c.TrackDropped("queue_full", 1)
				c.TrackRetry()
				c.TrackRotation()
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	if s.Emitted != workers*per || s.Processed != workers*per || s.Dropped != workers*per {
		t.Errorf("unexpected snapshot after concurrent updates: %+v", s)
	}
	if s.Retries != workers*per || s.Rotations != workers*per {
		t.Errorf("Retries=%d Rotations=%d", s.Retries, s.Rotations)
	}
}
