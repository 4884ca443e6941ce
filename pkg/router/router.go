package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/wayneeseguin/omnisink/pkg/omni"
	"github.com/wayneeseguin/omnisink/pkg/types"
)

// Strategy selects how a Router spreads records over its routes.
type Strategy int

const (
	// StrategyAll delivers every record to every enabled route
	StrategyAll Strategy = iota
	// StrategyFirstSuccess tries routes in order and stops at the first success
	StrategyFirstSuccess
	// StrategyRoundRobin sends each record to one route, weighted
	StrategyRoundRobin
	// StrategyPriority sends each record to the enabled route with the highest priority
	StrategyPriority
	// StrategyFallback delivers to the primary routes and only when all of
	// them fail to the fallback routes
	StrategyFallback
)

// String returns the strategy name used in configuration files
func (s Strategy) String() string {
	switch s {
	case StrategyAll:
		return "all"
	case StrategyFirstSuccess:
		return "first_success"
	case StrategyRoundRobin:
		return "round_robin"
	case StrategyPriority:
		return "priority"
	case StrategyFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// ParseStrategy parses a strategy name. The empty string is StrategyAll.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "all":
		return StrategyAll, nil
	case "first_success":
		return StrategyFirstSuccess, nil
	case "round_robin":
		return StrategyRoundRobin, nil
	case "priority":
		return StrategyPriority, nil
	case "fallback":
		return StrategyFallback, nil
	}
	return StrategyAll, omni.NewError(omni.KindFatalConfiguration, "config", "router",
		errors.Wrapf(omni.ErrInvalidConfig, "unknown strategy %q", s))
}

// Route attaches an emitter to a router.
type Route struct {
	Name    string
	Emitter omni.Emitter

	// Weight is used by StrategyRoundRobin. Zero means 1.
	Weight int
	// Priority is used by StrategyPriority; higher wins, ties go to the
	// route added first.
	Priority int
	// Fallback marks the route as part of the fallback set for StrategyFallback.
	Fallback bool
}

type route struct {
	Route
	enabled   atomic.Bool
	delivered atomic.Uint64
	failed    atomic.Uint64
	current   int // smooth weighted round-robin state, guarded by Router.rrMu
}

func (rt *route) emit(rec *types.LogRecord) error {
	if err := rt.Emitter.Emit(rec); err != nil {
		rt.failed.Add(1)
		return errors.Wrapf(err, "route %s", rt.Name)
	}
	rt.delivered.Add(1)
	return nil
}

// RouteStats describes one route.
type RouteStats struct {
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Weight    int    `json:"weight"`
	Priority  int    `json:"priority"`
	Fallback  bool   `json:"fallback"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`

	// Circuit is set when the route's emitter is a CircuitBreaker.
	Circuit *BreakerStats `json:"circuit,omitempty"`
}

// RouterStats holds the routing counters.
type RouterStats struct {
	Name         string       `json:"name"`
	Strategy     string       `json:"strategy"`
	Emitted      uint64       `json:"emitted"`
	Undelivered  uint64       `json:"undelivered"`
	PrimaryUsed  uint64       `json:"primary_used"`
	FallbackUsed uint64       `json:"fallback_used"`
	Routes       []RouteStats `json:"routes"`
}

// Option configures a Router.
type Option func(*Router) error

// WithName sets the name used in reports
func WithName(name string) Option {
	return func(r *Router) error {
		r.name = name
		return nil
	}
}

// WithStrategy sets the routing strategy
func WithStrategy(s Strategy) Option {
	return func(r *Router) error {
		if s < StrategyAll || s > StrategyFallback {
			return omni.NewError(omni.KindFatalConfiguration, "config", r.name,
				errors.Wrapf(omni.ErrInvalidConfig, "unknown strategy %d", s))
		}
		r.strategy = s
		return nil
	}
}

// WithParallel makes fan-out deliveries (StrategyAll and each set of
// StrategyFallback) call the routes concurrently.
func WithParallel() Option {
	return func(r *Router) error {
		r.parallel = true
		return nil
	}
}

// WithReporter sets where undeliverable records are reported
func WithReporter(rep omni.Reporter) Option {
	return func(r *Router) error {
		if rep == nil {
			return omni.NewError(omni.KindFatalConfiguration, "config", r.name,
				errors.Wrap(omni.ErrInvalidConfig, "reporter is required"))
		}
		r.reporter = rep
		return nil
	}
}

// WithRoutes adds routes at construction
func WithRoutes(routes ...Route) Option {
	return func(r *Router) error {
		for _, rt := range routes {
			if err := r.AddRoute(rt); err != nil {
				return err
			}
		}
		return nil
	}
}

// Router composes emitters. A failure of one route never stops delivery to
// the others. Router implements omni.Emitter, so routers nest and can be
// wrapped in a CircuitBreaker.
type Router struct {
	name     string
	strategy Strategy
	parallel bool
	reporter omni.Reporter

	mu     sync.Mutex // serializes route set changes
	routes atomic.Pointer[[]*route]
	rrMu   sync.Mutex

	emitted      atomic.Uint64
	undelivered  atomic.Uint64
	primaryUsed  atomic.Uint64
	fallbackUsed atomic.Uint64

	// records no route ever saw
	refusedClosed  atomic.Uint64
	refusedNoRoute atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a router. Without options it fans out to all routes.
func New(opts ...Option) (*Router, error) {
	r := &Router{
		name:     "router",
		reporter: omni.NewFailsafeReporter(omni.DefaultFailsafeOptions()),
	}
	empty := []*route{}
	r.routes.Store(&empty)

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Name returns the router name
func (r *Router) Name() string { return r.name }

// Strategy returns the routing strategy
func (r *Router) Strategy() Strategy { return r.strategy }

// AddRoute appends a route. Routes start enabled.
func (r *Router) AddRoute(rt Route) error {
	if rt.Emitter == nil || rt.Name == "" {
		return omni.NewError(omni.KindFatalConfiguration, "config", r.name,
			errors.Wrap(omni.ErrInvalidConfig, "route needs a name and an emitter"))
	}
	if rt.Weight < 0 {
		return omni.NewError(omni.KindFatalConfiguration, "config", r.name,
			errors.Wrapf(omni.ErrInvalidConfig, "route %s: negative weight", rt.Name))
	}
	if rt.Weight == 0 {
		rt.Weight = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.routes.Load()
	for _, existing := range old {
		if existing.Name == rt.Name {
			return errors.Wrap(ErrDuplicateRoute, rt.Name)
		}
	}
	added := &route{Route: rt}
	added.enabled.Store(true)

	next := make([]*route, len(old), len(old)+1)
	copy(next, old)
	next = append(next, added)
	r.routes.Store(&next)
	return nil
}

// RemoveRoute detaches a route and returns its emitter without closing it.
func (r *Router) RemoveRoute(name string) (omni.Emitter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.routes.Load()
	for i, rt := range old {
		if rt.Name == name {
			next := make([]*route, 0, len(old)-1)
			next = append(next, old[:i]...)
			next = append(next, old[i+1:]...)
			r.routes.Store(&next)
			return rt.Emitter, true
		}
	}
	return nil, false
}

// EnableRoute turns a route back on. It reports whether the route exists.
func (r *Router) EnableRoute(name string) bool {
	return r.setEnabled(name, true)
}

// DisableRoute stops sending to a route without removing it.
func (r *Router) DisableRoute(name string) bool {
	return r.setEnabled(name, false)
}

func (r *Router) setEnabled(name string, on bool) bool {
	for _, rt := range *r.routes.Load() {
		if rt.Name == name {
			rt.enabled.Store(on)
			return true
		}
	}
	return false
}

// Emit routes one record according to the strategy.
func (r *Router) Emit(rec *types.LogRecord) error {
	r.emitted.Add(1)
	if r.closed.Load() {
		r.undelivered.Add(1)
		r.refusedClosed.Add(1)
		return omni.ErrClosed
	}

	routes := *r.routes.Load()
	var err error
	switch r.strategy {
	case StrategyFirstSuccess:
		err = r.firstSuccess(routes, rec)
	case StrategyRoundRobin:
		err = r.roundRobin(routes, rec)
	case StrategyPriority:
		err = r.priority(routes, rec)
	case StrategyFallback:
		err = r.fallback(routes, rec)
	default:
		err = r.fanOut(routes, rec, func(*route) bool { return true })
	}

	if err != nil {
		r.undelivered.Add(1)
		kind := omni.KindOf(err)
		if errors.Is(err, ErrNoRoutes) {
			kind = omni.KindCapacityExceeded
			r.refusedNoRoute.Add(1)
		}
		r.reporter.Report(omni.LogError{
			Timestamp: time.Now(),
			Kind:      kind,
			Component: r.name,
			Message:   "route failed",
			Context:   map[string]interface{}{"strategy": r.strategy.String()},
			Err:       err,
		})
	}
	return err
}

// fanOut delivers to every enabled route selected by include and succeeds
// if at least one of them did.
func (r *Router) fanOut(routes []*route, rec *types.LogRecord, include func(*route) bool) error {
	targets := make([]*route, 0, len(routes))
	for _, rt := range routes {
		if rt.enabled.Load() && include(rt) {
			targets = append(targets, rt)
		}
	}
	if len(targets) == 0 {
		return ErrNoRoutes
	}

	errs := make([]error, len(targets))
	if r.parallel && len(targets) > 1 {
		var g errgroup.Group
		for i, rt := range targets {
			g.Go(func() error {
				errs[i] = rt.emit(rec)
				return nil // failures stay per route
			})
		}
		_ = g.Wait()
	} else {
		for i, rt := range targets {
			errs[i] = rt.emit(rec)
		}
	}

	for _, err := range errs {
		if err == nil {
			return nil
		}
	}
	return allFailed(errs)
}

func (r *Router) firstSuccess(routes []*route, rec *types.LogRecord) error {
	var errs []error
	for _, rt := range routes {
		if !rt.enabled.Load() {
			continue
		}
		err := rt.emit(rec)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return ErrNoRoutes
	}
	return allFailed(errs)
}

// roundRobin uses smooth weighted round-robin: over any window of
// sum(weights) records each route is picked weight times, interleaved.
func (r *Router) roundRobin(routes []*route, rec *types.LogRecord) error {
	r.rrMu.Lock()
	var best *route
	total := 0
	for _, rt := range routes {
		if !rt.enabled.Load() {
			continue
		}
		rt.current += rt.Weight
		total += rt.Weight
		if best == nil || rt.current > best.current {
			best = rt
		}
	}
	if best != nil {
		best.current -= total
	}
	r.rrMu.Unlock()

	if best == nil {
		return ErrNoRoutes
	}
	return best.emit(rec)
}

func (r *Router) priority(routes []*route, rec *types.LogRecord) error {
	var best *route
	for _, rt := range routes {
		if rt.enabled.Load() && (best == nil || rt.Priority > best.Priority) {
			best = rt
		}
	}
	if best == nil {
		return ErrNoRoutes
	}
	return best.emit(rec)
}

func (r *Router) fallback(routes []*route, rec *types.LogRecord) error {
	err := r.fanOut(routes, rec, func(rt *route) bool { return !rt.Fallback })
	if err == nil {
		r.primaryUsed.Add(1)
		return nil
	}

	ferr := r.fanOut(routes, rec, func(rt *route) bool { return rt.Fallback })
	if ferr == nil {
		r.fallbackUsed.Add(1)
		return nil
	}
	if errors.Is(ferr, ErrNoRoutes) {
		return err
	}
	return ferr
}

func allFailed(errs []error) error {
	e := omni.NewError(omni.KindOf(errs[0]), "route", "", errors.Wrapf(ErrAllFailed, "%v", errs))
	if e.Kind == omni.KindUnknown {
		e.Kind = omni.KindTransientSink
	}
	return e
}

// EmitBatch emits every record and returns the first failure.
func (r *Router) EmitBatch(recs []*types.LogRecord) error {
	var first error
	for _, rec := range recs {
		if err := r.Emit(rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Flush flushes every route, enabled or not.
func (r *Router) Flush() error {
	return r.each(func(e omni.Emitter) error { return e.Flush() }, "flush")
}

// Close closes every route once. Later calls return the first result.
func (r *Router) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.closeErr = r.each(func(e omni.Emitter) error { return e.Close() }, "close")
	})
	return r.closeErr
}

func (r *Router) each(fn func(omni.Emitter) error, op string) error {
	var errs []error
	for _, rt := range *r.routes.Load() {
		if err := fn(rt.Emitter); err != nil {
			errs = append(errs, errors.Wrapf(err, "route %s", rt.Name))
		}
	}
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return errors.Errorf("%s errors: %v", op, errs)
	}
}

// Stats sums the stats of every route. Emitted is the number of records the
// router received; records it refused before reaching any route are added
// to Dropped under "closed" and "no_routes".
func (r *Router) Stats() omni.Stats {
	s := omni.Stats{Name: r.name, Emitted: r.emitted.Load(), DroppedByReason: map[string]uint64{}}
	if n := r.refusedClosed.Load(); n > 0 {
		s.Dropped += n
		s.DroppedByReason["closed"] += n
	}
	if n := r.refusedNoRoute.Load(); n > 0 {
		s.Dropped += n
		s.DroppedByReason["no_routes"] += n
	}
	for _, rt := range *r.routes.Load() {
		rs := rt.Emitter.Stats()
		s.Processed += rs.Processed
		s.Dropped += rs.Dropped
		for reason, n := range rs.DroppedByReason {
			s.DroppedByReason[reason] += n
		}
		s.BytesWritten += rs.BytesWritten
		s.BatchCount += rs.BatchCount
		s.QueueDepth += rs.QueueDepth
		s.QueueCapacity += rs.QueueCapacity
		s.Buffered += rs.Buffered
		s.Errors += rs.Errors
		s.FormatterErrors += rs.FormatterErrors
		s.Retries += rs.Retries
		s.Rotations += rs.Rotations
		s.Compressions += rs.Compressions
	}
	return s
}

// RouterStats returns the routing counters and a snapshot of every route.
func (r *Router) RouterStats() RouterStats {
	routes := *r.routes.Load()
	s := RouterStats{
		Name:         r.name,
		Strategy:     r.strategy.String(),
		Emitted:      r.emitted.Load(),
		Undelivered:  r.undelivered.Load(),
		PrimaryUsed:  r.primaryUsed.Load(),
		FallbackUsed: r.fallbackUsed.Load(),
		Routes:       make([]RouteStats, 0, len(routes)),
	}
	for _, rt := range routes {
		rs := RouteStats{
			Name:      rt.Name,
			Enabled:   rt.enabled.Load(),
			Weight:    rt.Weight,
			Priority:  rt.Priority,
			Fallback:  rt.Fallback,
			Delivered: rt.delivered.Load(),
			Failed:    rt.failed.Load(),
		}
		if cb, ok := rt.Emitter.(*CircuitBreaker); ok {
			bs := cb.BreakerStats()
			rs.Circuit = &bs
		}
		s.Routes = append(s.Routes, rs)
	}
	return s
}
