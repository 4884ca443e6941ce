package router

import (
	"github.com/pkg/errors"
)

var (
	// ErrCircuitOpen is returned by a CircuitBreaker that rejected a call
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrNoRoutes is returned when a record arrives and no route is enabled
	ErrNoRoutes = errors.New("no enabled routes")

	// ErrAllFailed is returned when every route tried for a record failed
	ErrAllFailed = errors.New("all routes failed")

	// ErrDuplicateRoute is returned by AddRoute for a name already in use
	ErrDuplicateRoute = errors.New("duplicate route name")
)
