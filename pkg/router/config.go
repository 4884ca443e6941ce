package router

import (
	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnisink/pkg/omni"
)

// FromConfig builds a router over handlers as described by fc.Router. With
// no routes listed every handler becomes a route in order. The router owns
// the routed handlers: closing it closes them.
func FromConfig(fc *omni.FileConfig, handlers []*omni.Handler, opts ...Option) (*Router, error) {
	strategy, err := ParseStrategy(fc.Router.Strategy)
	if err != nil {
		return nil, err
	}
	base := []Option{WithStrategy(strategy)}
	if fc.Router.Parallel {
		base = append(base, WithParallel())
	}
	r, err := New(append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*omni.Handler, len(handlers))
	for _, h := range handlers {
		byName[h.Name()] = h
	}

	routes := fc.Router.Routes
	if len(routes) == 0 {
		for _, h := range handlers {
			routes = append(routes, omni.RouteConfig{Handler: h.Name()})
		}
	}

	for _, rc := range routes {
		h, ok := byName[rc.Handler]
		if !ok {
			return nil, omni.NewError(omni.KindFatalConfiguration, "config", r.name,
				errors.Wrapf(omni.ErrInvalidConfig, "route refers to unknown handler %q", rc.Handler))
		}

		var e omni.Emitter = h
		if rc.Breaker != nil {
			cb, err := NewCircuitBreaker(rc.Handler, h, BreakerConfig{
				Threshold: rc.Breaker.Threshold,
				Cooldown:  rc.Breaker.Cooldown,
			})
			if err != nil {
				return nil, err
			}
			e = cb
		}

		if err := r.AddRoute(Route{
			Name:     rc.Handler,
			Emitter:  e,
			Weight:   rc.Weight,
			Priority: rc.Priority,
			Fallback: rc.Fallback,
		}); err != nil {
			return nil, omni.NewError(omni.KindFatalConfiguration, "config", r.name, err)
		}
		if rc.Disabled {
			r.DisableRoute(rc.Handler)
		}
	}
	return r, nil
}

// Load reads a YAML configuration file and builds its handlers and router.
// handlerOpts apply to every handler after the file settings.
func Load(path string, handlerOpts ...omni.Option) (*Router, error) {
	fc, err := omni.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	handlers, err := omni.BuildHandlers(fc, handlerOpts...)
	if err != nil {
		return nil, err
	}

	r, err := FromConfig(fc, handlers)
	if err != nil {
		for _, h := range handlers {
			_ = h.Close() // the router never took ownership
		}
		return nil, err
	}

	// handlers no route refers to are unreachable
	routed := make(map[string]bool)
	for _, rs := range r.RouterStats().Routes {
		routed[rs.Name] = true
	}
	for _, h := range handlers {
		if !routed[h.Name()] {
			_ = h.Close()
		}
	}
	return r, nil
}
