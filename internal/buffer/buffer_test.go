package buffer

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

// mockWriter collects flushed batches and can be told to fail
type mockWriter struct {
	batches   [][][]byte
	failWrite bool
	calls     int
}

func (m *mockWriter) write(msgs [][]byte) error {
	m.calls++
	if m.failWrite {
		return errors.New("write failed")
	}
	batch := make([][]byte, len(msgs))
	copy(batch, msgs)
	m.batches = append(m.batches, batch)
	return nil
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		wantCap     int
		wantRetries int
	}{
		{"defaults clamp", Config{}, 1, 0},
		{"negative retries", Config{Capacity: 5, MaxRetries: -2}, 5, 0},
		{"explicit", Config{Capacity: 10, MaxRetries: 3}, 10, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.cfg)
			if b.Config().Capacity != tt.wantCap {
				t.Errorf("Capacity = %d, want %d", b.Config().Capacity, tt.wantCap)
			}
			if b.Config().MaxRetries != tt.wantRetries {
				t.Errorf("MaxRetries = %d, want %d", b.Config().MaxRetries, tt.wantRetries)
			}
		})
	}
}

func TestBuffer_CapacityTriggersFlush(t *testing.T) {
	b := New(Config{Capacity: 3, Window: time.Hour})
	w := &mockWriter{}
	now := time.Now()

	for i, msg := range []string{"m1", "m2"} {
		due, err := b.Append([]byte(msg), now)
		if err != nil {
			t.Fatal(err)
		}
		if due {
			t.Fatalf("message %d: flush due too early", i+1)
		}
	}
	if w.calls != 0 || b.Len() != 2 {
		t.Fatalf("expected 2 pending and no writes, got len=%d calls=%d", b.Len(), w.calls)
	}

	due, err := b.Append([]byte("m3"), now)
	if err != nil || !due {
		t.Fatalf("third append: due=%v err=%v", due, err)
	}

	res, err := b.Flush(w.write)
	if err != nil {
		t.Fatal(err)
	}
	if res.Messages != 3 || res.Bytes != 6 {
		t.Errorf("FlushResult = %+v", res)
	}
	if len(w.batches) != 1 || len(w.batches[0]) != 3 {
		t.Fatalf("expected one batch of three, got %v", w.batches)
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if string(w.batches[0][i]) != want {
			t.Errorf("batch[%d] = %q, want %q", i, w.batches[0][i], want)
		}
	}
	if b.Len() != 0 || b.Size() != 0 {
		t.Errorf("buffer not cleared: len=%d size=%d", b.Len(), b.Size())
	}
}

func TestBuffer_WindowTriggersFlush(t *testing.T) {
	b := New(Config{Capacity: 100, Window: time.Second})
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if due, _ := b.Append([]byte("a"), start); due {
		t.Fatal("not due on first append")
	}
	if b.Due(start.Add(999 * time.Millisecond)) {
		t.Error("due before window elapsed")
	}
	if !b.Due(start.Add(time.Second)) {
		t.Error("not due after window elapsed")
	}
	if !b.Oldest().Equal(start) {
		t.Errorf("Oldest() = %v, want %v", b.Oldest(), start)
	}
}

func TestBuffer_MaxBytes(t *testing.T) {
	b := New(Config{Capacity: 100, MaxBytes: 10})
	now := time.Now()

	if _, err := b.Append([]byte("12345"), now); err != nil {
		t.Fatal(err)
	}
	big := bytes.Repeat([]byte("x"), 50)
	if !b.WouldOverflow(len(big)) {
		t.Fatal("expected overflow for oversized message")
	}

	w := &mockWriter{}
	if _, err := b.Flush(w.write); err != nil {
		t.Fatal(err)
	}
	if b.WouldOverflow(len(big)) {
		t.Error("empty buffer never overflows")
	}

	due, err := b.Append(big, now)
	if err != nil || !due {
		t.Fatalf("oversized singleton should be due: due=%v err=%v", due, err)
	}
	if _, err := b.Flush(w.write); err != nil {
		t.Fatal(err)
	}
	if len(w.batches) != 2 || len(w.batches[1]) != 1 {
		t.Errorf("oversized message should flush alone, got %d batches", len(w.batches))
	}
}

func TestBuffer_RetainAndRetry(t *testing.T) {
	b := New(Config{Capacity: 2, MaxRetries: 2})
	w := &mockWriter{failWrite: true}
	now := time.Now()

	b.Append([]byte("a"), now)
	b.Append([]byte("b"), now)

	for attempt := 1; attempt <= 2; attempt++ {
		res, err := b.Flush(w.write)
		if err == nil {
			t.Fatal("expected error")
		}
		if res.Dropped != 0 || b.Len() != 2 {
			t.Fatalf("attempt %d: messages should be retained, len=%d dropped=%d", attempt, b.Len(), res.Dropped)
		}
		if res.Attempt != attempt {
			t.Errorf("Attempt = %d, want %d", res.Attempt, attempt)
		}
	}

	if _, err := b.Append([]byte("c"), now); !errors.Is(err, ErrFull) {
		t.Errorf("Append() on full buffer error = %v, want ErrFull", err)
	}

	res, err := b.Flush(w.write)
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2", res.Dropped)
	}
	if b.Len() != 0 || b.Failures() != 0 {
		t.Errorf("buffer should be reset after drop, len=%d failures=%d", b.Len(), b.Failures())
	}
}

func TestBuffer_RecoversAfterFailure(t *testing.T) {
	b := New(Config{Capacity: 1, MaxRetries: 3})
	w := &mockWriter{failWrite: true}
	b.Append([]byte("a"), time.Now())

	if _, err := b.Flush(w.write); err == nil {
		t.Fatal("expected error")
	}
	w.failWrite = false
	res, err := b.Flush(w.write)
	if err != nil {
		t.Fatal(err)
	}
	if res.Messages != 1 || b.Failures() != 0 {
		t.Errorf("res=%+v failures=%d", res, b.Failures())
	}
}

func TestBuffer_FlushEmpty(t *testing.T) {
	b := New(Config{Capacity: 1})
	w := &mockWriter{}
	res, err := b.Flush(w.write)
	if err != nil || res != (FlushResult{}) || w.calls != 0 {
		t.Errorf("flush of empty buffer should be a no-op: res=%+v err=%v calls=%d", res, err, w.calls)
	}
	if b.Due(time.Now()) {
		t.Error("empty buffer is never due")
	}
}

func TestBuffer_Drop(t *testing.T) {
	b := New(Config{Capacity: 5})
	now := time.Now()
	b.Append([]byte("a"), now)
	b.Append([]byte("b"), now)
	if n := b.Drop(); n != 2 {
		t.Errorf("Drop() = %d, want 2", n)
	}
	if b.Len() != 0 {
		t.Error("buffer should be empty after Drop")
	}
}

func TestJoin(t *testing.T) {
	tests := []struct {
		name  string
		msgs  []string
		delim []byte
		want  string
	}{
		{"text adds missing newline", []string{"a\n", "b"}, []byte("\n"), "a\nb\n"},
		{"binary concat", []string{"\x01\x02", "\x03"}, nil, "\x01\x02\x03"},
		{"empty", nil, []byte("\n"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := make([][]byte, len(tt.msgs))
			for i, m := range tt.msgs {
				msgs[i] = []byte(m)
			}
			var dst bytes.Buffer
			Join(&dst, msgs, tt.delim)
			if dst.String() != tt.want {
				t.Errorf("Join() = %q, want %q", dst.String(), tt.want)
			}
		})
	}
}
