package omni

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// LogError is one record on the side channel. It describes a failure inside
// the pipeline and never travels through it.
type LogError struct {
	Timestamp time.Time
	Kind      Kind
	Component string
	Message   string
	Context   map[string]interface{}
	Err       error
}

// Error implements the error interface
func (e LogError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s] %s: %v", e.Component, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s [%s] %s", e.Component, e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e LogError) Unwrap() error {
	return e.Err
}

// Reporter receives internal failures. Implementations must not block and
// must not log through the handler that reported.
type Reporter interface {
	Report(e LogError)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(e LogError)

// Report implements Reporter.
func (f ReporterFunc) Report(e LogError) { f(e) }

// NopReporter discards all reports (used in tests)
var NopReporter Reporter = ReporterFunc(func(LogError) {})

// FailsafeOptions configures a FailsafeReporter.
type FailsafeOptions struct {
	// Output defaults to stderr.
	Output zapcore.WriteSyncer
	// Every and Burst bound how many reports reach Output. Reports over the
	// limit are counted and the count is attached to the next line written.
	Every time.Duration
	Burst int
	// ErrorsBuffer sizes the channel returned by Errors. Zero disables it.
	ErrorsBuffer int
}

// DefaultFailsafeOptions allows ten lines per second with bursts of twenty.
func DefaultFailsafeOptions() FailsafeOptions {
	return FailsafeOptions{
		Every: 100 * time.Millisecond,
		Burst: 20,
	}
}

// FailsafeReporter writes reports as JSON lines through its own zap core. It
// shares no state with any handler, so a broken pipeline can still report.
type FailsafeReporter struct {
	logger     *zap.Logger
	limiter    *rate.Limiter
	suppressed atomic.Uint64
	errCh      chan LogError
	dropped    atomic.Uint64
}

// NewFailsafeReporter creates a reporter from opts.
func NewFailsafeReporter(opts FailsafeOptions) *FailsafeReporter {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Every <= 0 {
		opts.Every = DefaultFailsafeOptions().Every
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultFailsafeOptions().Burst
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.Lock(out), zapcore.WarnLevel)

	r := &FailsafeReporter{
		logger:  zap.New(core).Named("omnisink"),
		limiter: rate.NewLimiter(rate.Every(opts.Every), opts.Burst),
	}
	if opts.ErrorsBuffer > 0 {
		r.errCh = make(chan LogError, opts.ErrorsBuffer)
	}
	return r
}

// Report implements Reporter.
func (r *FailsafeReporter) Report(e LogError) {
	if r.errCh != nil {
		select {
		case r.errCh <- e:
		default:
			r.dropped.Add(1)
		}
	}

	if !r.limiter.Allow() {
		r.suppressed.Add(1)
		return
	}

	fields := []zap.Field{
		zap.String("kind", e.Kind.String()),
		zap.String("component", e.Component),
		zap.Time("occurred", e.Timestamp),
	}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	}
	if len(e.Context) > 0 {
		fields = append(fields, zap.Any("context", e.Context))
	}
	if n := r.suppressed.Swap(0); n > 0 {
		fields = append(fields, zap.Uint64("suppressed", n))
	}

	if e.Kind == KindFatalConfiguration {
		r.logger.Error(e.Message, fields...)
		return
	}
	r.logger.Warn(e.Message, fields...)
}

// Errors returns the report channel, or nil when ErrorsBuffer was zero.
// Reports are dropped when nobody drains it.
func (r *FailsafeReporter) Errors() <-chan LogError {
	return r.errCh
}

// Suppressed returns reports held back by the rate limit since the last
// written line.
func (r *FailsafeReporter) Suppressed() uint64 {
	return r.suppressed.Load()
}

// ChannelDropped returns reports that did not fit in the Errors channel.
func (r *FailsafeReporter) ChannelDropped() uint64 {
	return r.dropped.Load()
}

// Sync flushes the underlying zap core.
func (r *FailsafeReporter) Sync() error {
	return r.logger.Sync()
}
