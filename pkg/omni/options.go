package omni

import (
	"time"

	"github.com/wayneeseguin/omnisink/pkg/features"
	"github.com/wayneeseguin/omnisink/pkg/types"
)

// Option is a functional option for configuring a Handler
type Option func(*Config) error

// WithConfig replaces the whole configuration. Later options still apply.
func WithConfig(cfg Config) Option {
	return func(c *Config) error {
		*c = cfg
		return nil
	}
}

// WithName sets the name used in reports, stats and routing
func WithName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return configError("name cannot be empty")
		}
		c.Name = name
		return nil
	}
}

// WithCapacity sets the buffer's message count bound
func WithCapacity(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return configError("capacity must be at least 1, got %d", n)
		}
		c.Capacity = n
		if c.Adaptive.MaxBatch > n || !c.Adaptive.Enabled {
			c.Adaptive.MaxBatch = n
		}
		return nil
	}
}

// WithMaxBatchBytes sets the buffer's byte bound. Zero disables it.
func WithMaxBatchBytes(n int) Option {
	return func(c *Config) error {
		if n < 0 {
			return configError("max batch bytes cannot be negative: %d", n)
		}
		c.MaxBatchBytes = n
		return nil
	}
}

// WithWindow sets the maximum age of the oldest buffered message. Zero
// disables the time trigger.
func WithWindow(d time.Duration) Option {
	return func(c *Config) error {
		if d < 0 {
			return configError("window cannot be negative: %v", d)
		}
		c.Window = d
		if !c.Adaptive.Enabled || c.Adaptive.MaxInterval > d {
			c.Adaptive.MaxInterval = d
		}
		return nil
	}
}

// WithMaxRetries sets how many failed flushes are retried before the
// buffered messages are dropped
func WithMaxRetries(n int) Option {
	return func(c *Config) error {
		if n < 0 {
			return configError("max retries cannot be negative: %d", n)
		}
		c.MaxRetries = n
		return nil
	}
}

// WithRetryInterval sets the async wait between flush retries
func WithRetryInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return configError("retry interval must be positive: %v", d)
		}
		c.RetryInterval = d
		return nil
	}
}

// WithAsync enables background workers draining a bounded queue
func WithAsync(workers, queueSize int) Option {
	return func(c *Config) error {
		if workers < 1 {
			return configError("async handlers need at least 1 worker, got %d", workers)
		}
		if queueSize < 1 {
			return configError("queue size must be at least 1, got %d", queueSize)
		}
		c.Async = true
		c.Workers = workers
		c.QueueSize = queueSize
		return nil
	}
}

// WithSync makes Emit write on the caller goroutine
func WithSync() Option {
	return func(c *Config) error {
		c.Async = false
		c.Adaptive.Enabled = false
		return nil
	}
}

// WithOverflowPolicy selects which message a full queue drops
func WithOverflowPolicy(p OverflowPolicy) Option {
	return func(c *Config) error {
		if p != DropNewest && p != DropOldest {
			return configError("unknown overflow policy %d", p)
		}
		c.Overflow = p
		return nil
	}
}

// WithShutdownTimeout bounds how long Close waits for workers
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return configError("shutdown timeout must be positive: %v", d)
		}
		c.ShutdownTimeout = d
		return nil
	}
}

// WithAdaptive enables batch size and flush interval tuning. Zero fields
// keep their defaults.
func WithAdaptive(a AdaptiveConfig) Option {
	return func(c *Config) error {
		a.Enabled = true
		if a.MinBatch == 0 {
			a.MinBatch = 1
		}
		if a.MaxBatch == 0 {
			a.MaxBatch = c.Capacity
		}
		if a.MinInterval == 0 {
			a.MinInterval = minAdaptiveInterval
		}
		if a.MaxInterval == 0 {
			a.MaxInterval = c.Window
			if a.MaxInterval == 0 {
				a.MaxInterval = defaultIdleInterval
			}
		}
		if a.TargetRate == 0 {
			a.TargetRate = defaultTargetRate
		}
		c.Adaptive = a
		return nil
	}
}

// WithFormatter sets the formatter. Its capabilities are read once when
// the handler is built.
func WithFormatter(f types.Formatter) Option {
	return func(c *Config) error {
		if f == nil {
			return configError("formatter cannot be nil")
		}
		c.Formatter = f
		return nil
	}
}

// WithReporter sets the side channel for internal failures
func WithReporter(r Reporter) Option {
	return func(c *Config) error {
		if r == nil {
			return configError("reporter cannot be nil")
		}
		c.Reporter = r
		return nil
	}
}

// WithRotation enables rotation for file handlers
func WithRotation(p features.RotationPolicy) Option {
	return func(c *Config) error {
		if err := p.Validate(); err != nil {
			return configError("rotation: %v", err)
		}
		c.Rotation = &p
		return nil
	}
}

// WithFileLock takes a cross-process flock around every file write
func WithFileLock() Option {
	return func(c *Config) error {
		c.FileLock = true
		return nil
	}
}

// WithClock replaces time.Now for buffer ages and rotation (used in tests)
func WithClock(now func() time.Time) Option {
	return func(c *Config) error {
		if now == nil {
			return configError("clock cannot be nil")
		}
		c.Clock = now
		return nil
	}
}
