package router

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnisink/pkg/omni"
)

func newTestRouter(t *testing.T, opts ...Option) *Router {
	t.Helper()
	r, err := New(append([]Option{WithReporter(omni.NopReporter)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestAllIsolatesFailures(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		name := "sequential"
		opts := []Option{WithStrategy(StrategyAll)}
		if parallel {
			name = "parallel"
			opts = append(opts, WithParallel())
		}
		t.Run(name, func(t *testing.T) {
			a, b := failingEmitter(), &fakeEmitter{}
			r := newTestRouter(t, append(opts, WithRoutes(
				Route{Name: "a", Emitter: a},
				Route{Name: "b", Emitter: b},
			))...)

			for i := 0; i < 100; i++ {
				if err := r.Emit(record("x")); err != nil {
					t.Fatalf("one healthy route should be enough: %v", err)
				}
			}
			if b.got.Load() != 100 {
				t.Errorf("healthy route got %d records, want 100", b.got.Load())
			}
			s := r.RouterStats()
			if s.Routes[0].Failed != 100 || s.Routes[1].Delivered != 100 || s.Undelivered != 0 {
				t.Errorf("stats = %+v", s)
			}
		})
	}
}

func TestAllFailed(t *testing.T) {
	var reports []omni.LogError
	var mu sync.Mutex
	rep := omni.ReporterFunc(func(e omni.LogError) {
		mu.Lock()
		reports = append(reports, e)
		mu.Unlock()
	})
	r := newTestRouter(t, WithReporter(rep), WithRoutes(
		Route{Name: "a", Emitter: failingEmitter()},
		Route{Name: "b", Emitter: failingEmitter()},
	))

	err := r.Emit(record("x"))
	if !errors.Is(err, ErrAllFailed) || omni.KindOf(err) != omni.KindTransientSink {
		t.Fatalf("Emit = %v", err)
	}
	if !strings.Contains(err.Error(), "route a") || !strings.Contains(err.Error(), "route b") {
		t.Errorf("error does not name the routes: %v", err)
	}
	if r.RouterStats().Undelivered != 1 || len(reports) != 1 {
		t.Errorf("undelivered=%d reports=%d", r.RouterStats().Undelivered, len(reports))
	}
}

func TestNoRoutes(t *testing.T) {
	r := newTestRouter(t)
	if err := r.Emit(record("x")); !errors.Is(err, ErrNoRoutes) {
		t.Errorf("Emit = %v", err)
	}

	r = newTestRouter(t, WithRoutes(Route{Name: "a", Emitter: &fakeEmitter{}}))
	r.DisableRoute("a")
	if err := r.Emit(record("x")); !errors.Is(err, ErrNoRoutes) {
		t.Errorf("Emit with all routes disabled = %v", err)
	}
}

func TestRefusedRecordsCountAsDropped(t *testing.T) {
	a := &fakeEmitter{}
	r := newTestRouter(t, WithRoutes(Route{Name: "a", Emitter: a}))
	_ = r.Emit(record("delivered"))

	r.DisableRoute("a")
	_ = r.Emit(record("nowhere"))
	_ = r.Close()
	_ = r.Emit(record("late"))

	s := r.Stats()
	if s.Emitted != 3 || s.Processed+s.Dropped != s.Emitted {
		t.Fatalf("stats = %+v", s)
	}
	if s.DroppedByReason["no_routes"] != 1 || s.DroppedByReason["closed"] != 1 {
		t.Errorf("DroppedByReason = %v", s.DroppedByReason)
	}
}

func TestFirstSuccess(t *testing.T) {
	a, b, c := failingEmitter(), &fakeEmitter{}, &fakeEmitter{}
	r := newTestRouter(t, WithStrategy(StrategyFirstSuccess), WithRoutes(
		Route{Name: "a", Emitter: a},
		Route{Name: "b", Emitter: b},
		Route{Name: "c", Emitter: c},
	))

	for i := 0; i < 10; i++ {
		if err := r.Emit(record("x")); err != nil {
			t.Fatal(err)
		}
	}
	if a.calls.Load() != 10 || b.got.Load() != 10 || c.calls.Load() != 0 {
		t.Errorf("a=%d b=%d c=%d", a.calls.Load(), b.got.Load(), c.calls.Load())
	}
}

func TestRoundRobinWeighted(t *testing.T) {
	a, b := &fakeEmitter{}, &fakeEmitter{}
	r := newTestRouter(t, WithStrategy(StrategyRoundRobin), WithRoutes(
		Route{Name: "a", Emitter: a, Weight: 3},
		Route{Name: "b", Emitter: b},
	))

	var order []string
	for i := 0; i < 8; i++ {
		beforeB := b.got.Load()
		_ = r.Emit(record("x"))
		if b.got.Load() > beforeB {
			order = append(order, "b")
		} else {
			order = append(order, "a")
		}
	}
	if got := strings.Join(order, ""); got != "aabaaaba" {
		t.Errorf("order = %s, want aabaaaba", got)
	}
	if a.got.Load() != 6 || b.got.Load() != 2 {
		t.Errorf("a=%d b=%d", a.got.Load(), b.got.Load())
	}
}

func TestRoundRobinSkipsDisabled(t *testing.T) {
	a, b, c := &fakeEmitter{}, &fakeEmitter{}, &fakeEmitter{}
	r := newTestRouter(t, WithStrategy(StrategyRoundRobin), WithRoutes(
		Route{Name: "a", Emitter: a},
		Route{Name: "b", Emitter: b},
		Route{Name: "c", Emitter: c},
	))
	if !r.DisableRoute("b") {
		t.Fatal("DisableRoute(b) = false")
	}
	for i := 0; i < 6; i++ {
		_ = r.Emit(record("x"))
	}
	if a.got.Load() != 3 || b.got.Load() != 0 || c.got.Load() != 3 {
		t.Errorf("a=%d b=%d c=%d", a.got.Load(), b.got.Load(), c.got.Load())
	}
	if r.DisableRoute("missing") {
		t.Error("DisableRoute on an unknown route reported success")
	}
}

func TestPriority(t *testing.T) {
	low, high := &fakeEmitter{}, &fakeEmitter{}
	r := newTestRouter(t, WithStrategy(StrategyPriority), WithRoutes(
		Route{Name: "low", Emitter: low, Priority: 1},
		Route{Name: "high", Emitter: high, Priority: 10},
	))

	_ = r.Emit(record("x"))
	r.DisableRoute("high")
	_ = r.Emit(record("x"))
	r.EnableRoute("high")
	_ = r.Emit(record("x"))

	if high.got.Load() != 2 || low.got.Load() != 1 {
		t.Errorf("high=%d low=%d", high.got.Load(), low.got.Load())
	}
}

func TestFallback(t *testing.T) {
	primary, backup := &fakeEmitter{}, &fakeEmitter{}
	r := newTestRouter(t, WithStrategy(StrategyFallback), WithRoutes(
		Route{Name: "primary", Emitter: primary},
		Route{Name: "backup", Emitter: backup, Fallback: true},
	))

	_ = r.Emit(record("x"))
	primary.failing.Store(true)
	for i := 0; i < 3; i++ {
		if err := r.Emit(record("x")); err != nil {
			t.Fatalf("fallback should take over: %v", err)
		}
	}

	s := r.RouterStats()
	if s.PrimaryUsed != 1 || s.FallbackUsed != 3 {
		t.Errorf("primary=%d fallback=%d", s.PrimaryUsed, s.FallbackUsed)
	}
	if backup.got.Load() != 3 {
		t.Errorf("backup got %d", backup.got.Load())
	}

	backup.failing.Store(true)
	if err := r.Emit(record("x")); !errors.Is(err, ErrAllFailed) {
		t.Errorf("both sets failing: %v", err)
	}
}

func TestFallbackWithBreaker(t *testing.T) {
	primary, backup := failingEmitter(), &fakeEmitter{}
	clock := newFakeClock()
	cb, err := NewCircuitBreaker("primary", primary, BreakerConfig{Threshold: 2, Cooldown: 10 * time.Second, Clock: clock.Now})
	if err != nil {
		t.Fatal(err)
	}
	r := newTestRouter(t, WithStrategy(StrategyFallback), WithRoutes(
		Route{Name: "primary", Emitter: cb},
		Route{Name: "backup", Emitter: backup, Fallback: true},
	))

	for i := 0; i < 10; i++ {
		if err := r.Emit(record("x")); err != nil {
			t.Fatal(err)
		}
	}
	if primary.calls.Load() != 2 {
		t.Errorf("open breaker still invoked the primary: %d calls", primary.calls.Load())
	}
	if backup.got.Load() != 10 {
		t.Errorf("backup got %d", backup.got.Load())
	}
	rs := r.RouterStats().Routes[0]
	if rs.Circuit == nil || rs.Circuit.State != StateOpen || rs.Circuit.Rejected != 8 {
		t.Errorf("route stats = %+v", rs)
	}
}

func TestBreakerOverAsyncHandler(t *testing.T) {
	app, err := omni.New(downSink{},
		omni.WithReporter(omni.NopReporter),
		omni.WithAsync(1, 64),
		omni.WithCapacity(1),
		omni.WithWindow(0),
		omni.WithMaxRetries(0),
	)
	if err != nil {
		t.Fatal(err)
	}
	clock := newFakeClock()
	cb, err := NewCircuitBreaker("app", app, BreakerConfig{Threshold: 3, Cooldown: time.Hour, Clock: clock.Now})
	if err != nil {
		t.Fatal(err)
	}
	backup := &fakeEmitter{}
	r := newTestRouter(t, WithStrategy(StrategyFallback), WithRoutes(
		Route{Name: "app", Emitter: cb},
		Route{Name: "backup", Emitter: backup, Fallback: true},
	))

	if err := r.Emit(record("first")); err != nil {
		t.Fatalf("first record is queued: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return !app.Healthy() })

	for i := 0; i < 20; i++ {
		if err := r.Emit(record("x")); err != nil {
			t.Fatalf("fallback should take over: %v", err)
		}
	}

	s := r.RouterStats()
	if s.PrimaryUsed != 1 || s.FallbackUsed != 20 || backup.got.Load() != 20 {
		t.Errorf("primary=%d fallback=%d backup=%d", s.PrimaryUsed, s.FallbackUsed, backup.got.Load())
	}
	bs := cb.BreakerStats()
	if bs.State != StateOpen || bs.Trips != 1 || bs.Rejected != 17 {
		t.Errorf("breaker = %+v", bs)
	}

	if err := r.Close(); err != nil {
		t.Logf("Close: %v", err)
	}
	as := app.Stats()
	if as.Emitted != 4 || as.Dropped != 4 || as.Processed != 0 {
		t.Errorf("app stats = %+v", as)
	}
}

func TestAddAndRemoveRoutes(t *testing.T) {
	r := newTestRouter(t)
	a := &fakeEmitter{}
	if err := r.AddRoute(Route{Name: "a", Emitter: a}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddRoute(Route{Name: "a", Emitter: a}); !errors.Is(err, ErrDuplicateRoute) {
		t.Errorf("duplicate route: %v", err)
	}
	if err := r.AddRoute(Route{Name: "nil"}); omni.KindOf(err) != omni.KindFatalConfiguration {
		t.Errorf("route without emitter: %v", err)
	}

	e, ok := r.RemoveRoute("a")
	if !ok || e != a {
		t.Fatalf("RemoveRoute = %v, %v", e, ok)
	}
	if _, ok := r.RemoveRoute("a"); ok {
		t.Error("removed a route twice")
	}
	if a.closes.Load() != 0 {
		t.Error("RemoveRoute closed the emitter")
	}
}

func TestCloseAndFlush(t *testing.T) {
	a, b := &fakeEmitter{}, &fakeEmitter{}
	r := newTestRouter(t, WithRoutes(Route{Name: "a", Emitter: a}, Route{Name: "b", Emitter: b}))
	r.DisableRoute("b")

	if err := r.Flush(); err != nil {
		t.Fatal(err)
	}
	if a.flushes.Load() != 1 || b.flushes.Load() != 1 {
		t.Error("Flush must reach disabled routes too")
	}

	_ = r.Close()
	_ = r.Close()
	if a.closes.Load() != 1 || b.closes.Load() != 1 {
		t.Errorf("closes a=%d b=%d", a.closes.Load(), b.closes.Load())
	}
	if err := r.Emit(record("late")); !errors.Is(err, omni.ErrClosed) {
		t.Errorf("Emit after Close = %v", err)
	}
}

func TestRouterStatsSum(t *testing.T) {
	a, b := &fakeEmitter{}, failingEmitter()
	r := newTestRouter(t, WithRoutes(Route{Name: "a", Emitter: a}, Route{Name: "b", Emitter: b}))
	for i := 0; i < 4; i++ {
		_ = r.Emit(record("x"))
	}
	s := r.Stats()
	if s.Emitted != 4 || s.Processed != 4 || s.Dropped != 4 {
		t.Errorf("stats = %+v", s)
	}
}

func TestNestedRouters(t *testing.T) {
	leaf := &fakeEmitter{}
	inner := newTestRouter(t, WithName("inner"), WithRoutes(Route{Name: "leaf", Emitter: leaf}))
	outer := newTestRouter(t, WithStrategy(StrategyFirstSuccess), WithRoutes(
		Route{Name: "down", Emitter: failingEmitter()},
		Route{Name: "inner", Emitter: inner},
	))
	if err := outer.Emit(record("x")); err != nil {
		t.Fatal(err)
	}
	if leaf.got.Load() != 1 {
		t.Error("record did not reach the nested router")
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{StrategyAll, StrategyFirstSuccess, StrategyRoundRobin, StrategyPriority, StrategyFallback} {
		got, err := ParseStrategy(s.String())
		if err != nil || got != s {
			t.Errorf("ParseStrategy(%q) = %v, %v", s.String(), got, err)
		}
	}
	if _, err := ParseStrategy("random"); omni.KindOf(err) != omni.KindFatalConfiguration {
		t.Errorf("unknown strategy: %v", err)
	}
}

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	yaml := `
handlers:
  - {name: app, type: file, path: ` + filepath.Join(dir, "app.log") + `, capacity: 1, async: false}
  - {name: audit, type: file, path: ` + filepath.Join(dir, "audit.log") + `, capacity: 1, async: false}
router:
  strategy: fallback
  routes:
    - handler: app
      breaker: {threshold: 2, cooldown: 1m}
    - handler: audit
      fallback: true
      disabled: true
`
	fc, err := omni.ParseConfig([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	handlers, err := omni.BuildHandlers(fc, omni.WithReporter(omni.NopReporter))
	if err != nil {
		t.Fatal(err)
	}
	r, err := FromConfig(fc, handlers, WithReporter(omni.NopReporter))
	if err != nil {
		t.Fatal(err)
	}

	if r.Strategy() != StrategyFallback {
		t.Errorf("strategy = %v", r.Strategy())
	}
	s := r.RouterStats()
	if len(s.Routes) != 2 || s.Routes[0].Circuit == nil || s.Routes[1].Enabled || !s.Routes[1].Fallback {
		t.Errorf("routes = %+v", s.Routes)
	}

	if err := r.Emit(record("routed")); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "app.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "routed") {
		t.Errorf("app.log = %q", data)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "omni.yaml")
	data := "handlers:\n  - {name: app, type: file, path: " + filepath.Join(dir, "app.log") + "}\n"
	if err := os.WriteFile(cfgPath, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := Load(cfgPath, omni.WithReporter(omni.NopReporter))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.Strategy() != StrategyAll || len(r.RouterStats().Routes) != 1 {
		t.Errorf("router = %+v", r.RouterStats())
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); omni.KindOf(err) != omni.KindFatalConfiguration {
		t.Errorf("missing file: %v", err)
	}
}
