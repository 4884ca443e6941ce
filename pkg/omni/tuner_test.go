package omni

import (
	"testing"
	"time"
)

func testAdaptive() AdaptiveConfig {
	return AdaptiveConfig{
		Enabled:     true,
		MinBatch:    10,
		MaxBatch:    100,
		MinInterval: 10 * time.Millisecond,
		MaxInterval: time.Second,
		TargetRate:  100,
	}
}

func TestTunerHighRate(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tu := newTuner(testAdaptive(), 20, 500*time.Millisecond, start)

	tu.observe(1000) // 1000 msg/s against a target of 100
	batch, interval := tu.adjust(start.Add(time.Second))
	if batch != 30 {
		t.Errorf("batch = %d, want 30", batch)
	}
	if interval != 400*time.Millisecond {
		t.Errorf("interval = %v, want 400ms", interval)
	}
}

func TestTunerLowRate(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tu := newTuner(testAdaptive(), 20, 500*time.Millisecond, start)

	tu.observe(5)
	batch, interval := tu.adjust(start.Add(time.Second))
	if batch != 16 {
		t.Errorf("batch = %d, want 16", batch)
	}
	if interval != 750*time.Millisecond {
		t.Errorf("interval = %v, want 750ms", interval)
	}
}

func TestTunerStaysInBounds(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tu := newTuner(testAdaptive(), 500, time.Hour, start)
	if b, i := tu.current(); b != 100 || i != time.Second {
		t.Fatalf("initial values not clamped: %d %v", b, i)
	}

	now := start
	for i := 0; i < 50; i++ {
		now = now.Add(time.Second)
		b, iv := tu.adjust(now) // idle: shrinks batch, stretches interval
		if b < 10 || iv > time.Second {
			t.Fatalf("out of bounds after %d rounds: %d %v", i, b, iv)
		}
	}
	if b, i := tu.current(); b != 10 || i != time.Second {
		t.Errorf("idle tuner settled at %d %v", b, i)
	}

	for i := 0; i < 50; i++ {
		tu.observe(100000)
		now = now.Add(time.Second)
		tu.adjust(now)
	}
	if b, i := tu.current(); b != 100 || i != 10*time.Millisecond {
		t.Errorf("busy tuner settled at %d %v", b, i)
	}
}

func TestTunerIgnoresShortSamples(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tu := newTuner(testAdaptive(), 20, 500*time.Millisecond, start)
	tu.observe(1000)
	if b, _ := tu.adjust(start.Add(time.Millisecond)); b != 20 {
		t.Errorf("adjusted on a 1ms sample: %d", b)
	}
}
