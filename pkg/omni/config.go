package omni

import (
	"os"
	"strconv"
	"time"

	"github.com/wayneeseguin/omnisink/pkg/features"
	"github.com/wayneeseguin/omnisink/pkg/formatters"
	"github.com/wayneeseguin/omnisink/pkg/types"
)

// Destination names the kind of sink a handler writes to. It selects the
// flush defaults.
type Destination string

const (
	DestinationConsole Destination = "console"
	DestinationFile    Destination = "file"
	DestinationNetwork Destination = "network"
	DestinationNATS    Destination = "nats"
	DestinationCustom  Destination = "custom"
)

// OverflowPolicy selects which message is dropped when the async queue is
// full. Emit never blocks under either policy.
type OverflowPolicy int

const (
	// DropNewest rejects the message being emitted
	DropNewest OverflowPolicy = iota
	// DropOldest evicts the oldest queued message to make room
	DropOldest
)

// String returns the configuration name of the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropNewest:
		return "drop_newest"
	case DropOldest:
		return "drop_oldest"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy parses "drop_newest" or "drop_oldest".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop_newest":
		return DropNewest, nil
	case "drop_oldest":
		return DropOldest, nil
	}
	return DropNewest, configError("unknown overflow policy %q", s)
}

// AdaptiveConfig bounds the worker's batch size and flush interval tuning.
type AdaptiveConfig struct {
	Enabled     bool
	MinBatch    int
	MaxBatch    int
	MinInterval time.Duration
	MaxInterval time.Duration
	// TargetRate is the messages per second considered normal load. Above
	// twice the target batches grow and the interval shortens; below half
	// of it batches shrink and the interval lengthens.
	TargetRate float64
}

// Default values
const (
	defaultQueueSize       = 1024
	defaultMaxRetries      = 3
	defaultShutdownTimeout = 5 * time.Second
	defaultRetryInterval   = 100 * time.Millisecond
	defaultIdleInterval    = time.Second
	defaultTargetRate      = 100
	minAdaptiveInterval    = 10 * time.Millisecond
)

// Config holds every construction parameter of a Handler. There is no
// package-level state; two handlers never share configuration.
type Config struct {
	Name        string
	Destination Destination

	// Buffer flush policy
	Capacity      int           // flush once this many messages are buffered
	MaxBatchBytes int           // flush once this many bytes are buffered; 0 disables
	Window        time.Duration // flush once the oldest message is this old; 0 disables
	MaxRetries    int           // failed flushes tolerated before buffered messages are dropped
	RetryInterval time.Duration // async wait between retries of a failed flush

	// Async emission. When Async is false Emit writes on the caller goroutine.
	Async           bool
	Workers         int
	QueueSize       int
	Overflow        OverflowPolicy
	ShutdownTimeout time.Duration
	Adaptive        AdaptiveConfig

	Formatter types.Formatter
	Reporter  Reporter

	// File destinations only
	Rotation *features.RotationPolicy
	FileLock bool

	Clock func() time.Time
}

// DefaultConfig returns the defaults for d. Console handlers flush every
// message synchronously; the others batch on background workers.
func DefaultConfig(d Destination) Config {
	cfg := Config{
		Name:            string(d),
		Destination:     d,
		MaxRetries:      defaultMaxRetries,
		RetryInterval:   defaultRetryInterval,
		Workers:         1,
		QueueSize:       getDefaultQueueSize(),
		Overflow:        DropNewest,
		ShutdownTimeout: defaultShutdownTimeout,
		Formatter:       formatters.NewTextFormatter(),
		Reporter:        NewFailsafeReporter(DefaultFailsafeOptions()),
		Clock:           time.Now,
	}

	switch d {
	case DestinationConsole:
		cfg.Capacity = 1
	case DestinationFile:
		cfg.Capacity = 128
		cfg.Window = time.Second
		cfg.Async = true
	case DestinationNetwork:
		cfg.Capacity = 64
		cfg.Window = 500 * time.Millisecond
		cfg.Async = true
	case DestinationNATS:
		cfg.Capacity = 64
		cfg.Window = 250 * time.Millisecond
		cfg.Async = true
	default:
		cfg.Capacity = 64
		cfg.Window = time.Second
		cfg.Async = true
	}

	cfg.Adaptive = AdaptiveConfig{
		MinBatch:    1,
		MaxBatch:    cfg.Capacity,
		MinInterval: minAdaptiveInterval,
		MaxInterval: cfg.Window,
		TargetRate:  defaultTargetRate,
	}
	return cfg
}

// getDefaultQueueSize reads OMNI_QUEUE_SIZE or falls back to the default
func getDefaultQueueSize() int {
	if value, exists := os.LookupEnv("OMNI_QUEUE_SIZE"); exists {
		if size, err := strconv.Atoi(value); err == nil && size > 0 {
			return size
		}
	}
	return defaultQueueSize
}

// Validate reports the first invalid parameter as a KindFatalConfiguration error.
func (c *Config) Validate() error {
	switch {
	case c.Capacity < 1:
		return configError("capacity must be at least 1, got %d", c.Capacity)
	case c.MaxBatchBytes < 0:
		return configError("max batch bytes cannot be negative: %d", c.MaxBatchBytes)
	case c.Window < 0:
		return configError("window cannot be negative: %v", c.Window)
	case c.MaxRetries < 0:
		return configError("max retries cannot be negative: %d", c.MaxRetries)
	case c.RetryInterval <= 0:
		return configError("retry interval must be positive: %v", c.RetryInterval)
	case c.ShutdownTimeout <= 0:
		return configError("shutdown timeout must be positive: %v", c.ShutdownTimeout)
	case c.Formatter == nil:
		return configError("formatter is required")
	case c.Reporter == nil:
		return configError("reporter is required")
	case c.Clock == nil:
		return configError("clock is required")
	case c.Overflow != DropNewest && c.Overflow != DropOldest:
		return configError("unknown overflow policy %d", c.Overflow)
	}

	if c.Async {
		if c.Workers < 1 {
			return configError("async handlers need at least 1 worker, got %d", c.Workers)
		}
		if c.QueueSize < 1 {
			return configError("queue size must be at least 1, got %d", c.QueueSize)
		}
	}

	if a := c.Adaptive; a.Enabled {
		switch {
		case !c.Async:
			return configError("adaptive tuning requires async mode")
		case a.MinBatch < 1 || a.MaxBatch < a.MinBatch:
			return configError("adaptive batch bounds invalid: [%d, %d]", a.MinBatch, a.MaxBatch)
		case a.MaxBatch > c.Capacity:
			return configError("adaptive max batch %d exceeds capacity %d", a.MaxBatch, c.Capacity)
		case a.MinInterval <= 0 || a.MaxInterval < a.MinInterval:
			return configError("adaptive interval bounds invalid: [%v, %v]", a.MinInterval, a.MaxInterval)
		case c.Window > 0 && a.MaxInterval > c.Window:
			return configError("adaptive max interval %v exceeds window %v", a.MaxInterval, c.Window)
		case a.TargetRate <= 0:
			return configError("adaptive target rate must be positive: %v", a.TargetRate)
		}
	}

	if c.Rotation != nil {
		if err := c.Rotation.Validate(); err != nil {
			return configError("rotation: %v", err)
		}
	}
	return nil
}
