package omni

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/wayneeseguin/omnisink/pkg/backends"
	"github.com/wayneeseguin/omnisink/pkg/features"
	"github.com/wayneeseguin/omnisink/pkg/formatters"
)

// FileConfig is the YAML layout accepted by LoadConfig:
//
//	handlers:
//	  - name: app
//	    type: file
//	    path: /var/log/app.log
//	    format: json
//	    rotation: {max_bytes: 10485760, max_backups: 5, compress: gzip}
//	  - name: console
//	    type: console
//	router:
//	  strategy: all
//	  routes:
//	    - handler: app
//	      breaker: {threshold: 5, cooldown: 30s}
//	    - handler: console
type FileConfig struct {
	Handlers []HandlerConfig `yaml:"handlers"`
	Router   RouterConfig    `yaml:"router"`
}

// HandlerConfig describes one handler. Zero values keep the destination
// defaults.
type HandlerConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // console, file, network or nats

	Stream  string `yaml:"stream"`  // console
	Path    string `yaml:"path"`    // file
	Network string `yaml:"network"` // network: tcp, udp, unix, tls
	Address string `yaml:"address"`
	Framing string `yaml:"framing"` // raw or syslog
	URI     string `yaml:"uri"`     // nats

	Format          string        `yaml:"format"`
	Capacity        int           `yaml:"capacity"`
	MaxBatchBytes   int           `yaml:"max_batch_bytes"`
	Window          time.Duration `yaml:"window"`
	MaxRetries      *int          `yaml:"max_retries"`
	Async           *bool         `yaml:"async"`
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	Overflow        string        `yaml:"overflow"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Adaptive        bool          `yaml:"adaptive"`
	FileLock        bool          `yaml:"file_lock"`

	Rotation *RotationConfig `yaml:"rotation"`
}

// RotationConfig is the YAML form of features.RotationPolicy.
type RotationConfig struct {
	MaxBytes        int64         `yaml:"max_bytes"`
	Interval        time.Duration `yaml:"interval"`
	When            string        `yaml:"when"`
	Location        string        `yaml:"location"`
	MaxBackups      int           `yaml:"max_backups"`
	MaxAge          time.Duration `yaml:"max_age"`
	Compress        string        `yaml:"compress"`
	CompressWorkers int           `yaml:"compress_workers"`
	Naming          string        `yaml:"naming"`
}

// RouterConfig is consumed by router.FromConfig.
type RouterConfig struct {
	Strategy string        `yaml:"strategy"`
	Parallel bool          `yaml:"parallel"`
	Routes   []RouteConfig `yaml:"routes"`
}

// RouteConfig attaches a handler to the router.
type RouteConfig struct {
	Handler  string         `yaml:"handler"`
	Weight   int            `yaml:"weight"`
	Priority int            `yaml:"priority"`
	Fallback bool           `yaml:"fallback"`
	Disabled bool           `yaml:"disabled"`
	Breaker  *BreakerConfig `yaml:"breaker"`
}

// BreakerConfig wraps a route in a circuit breaker.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, NewError(KindFatalConfiguration, "load", path, errors.Wrap(err, "read config"))
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration and checks that handler names are
// unique and routes refer to known handlers.
func ParseConfig(data []byte) (*FileConfig, error) {
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, NewError(KindFatalConfiguration, "parse", "", errors.Wrap(err, "decode yaml"))
	}

	names := make(map[string]bool, len(fc.Handlers))
	for i, hc := range fc.Handlers {
		if hc.Name == "" {
			return nil, configError("handler %d has no name", i)
		}
		if names[hc.Name] {
			return nil, configError("duplicate handler name %q", hc.Name)
		}
		names[hc.Name] = true
	}
	for _, rc := range fc.Router.Routes {
		if !names[rc.Handler] {
			return nil, configError("route refers to unknown handler %q", rc.Handler)
		}
	}
	return &fc, nil
}

// Options converts the configuration into handler options.
func (hc HandlerConfig) Options() ([]Option, error) {
	opts := []Option{WithName(hc.Name)}

	if hc.Format != "" {
		f, err := formatters.NewFactory().Create(hc.Format)
		if err != nil {
			return nil, configError("handler %q: %v", hc.Name, err)
		}
		opts = append(opts, WithFormatter(f))
	}
	if hc.Capacity != 0 {
		opts = append(opts, WithCapacity(hc.Capacity))
	}
	if hc.MaxBatchBytes != 0 {
		opts = append(opts, WithMaxBatchBytes(hc.MaxBatchBytes))
	}
	if hc.Window != 0 {
		opts = append(opts, WithWindow(hc.Window))
	}
	if hc.MaxRetries != nil {
		opts = append(opts, WithMaxRetries(*hc.MaxRetries))
	}
	if hc.Async != nil && !*hc.Async {
		opts = append(opts, WithSync())
	}
	if (hc.Async != nil && *hc.Async) || hc.Workers != 0 || hc.QueueSize != 0 {
		workers, queue := hc.Workers, hc.QueueSize
		if workers == 0 {
			workers = 1
		}
		if queue == 0 {
			queue = getDefaultQueueSize()
		}
		opts = append(opts, WithAsync(workers, queue))
	}
	if hc.Overflow != "" {
		p, err := ParseOverflowPolicy(hc.Overflow)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithOverflowPolicy(p))
	}
	if hc.ShutdownTimeout != 0 {
		opts = append(opts, WithShutdownTimeout(hc.ShutdownTimeout))
	}
	if hc.Adaptive {
		opts = append(opts, WithAdaptive(AdaptiveConfig{}))
	}
	if hc.FileLock {
		opts = append(opts, WithFileLock())
	}
	if hc.Rotation != nil {
		p, err := hc.Rotation.Policy()
		if err != nil {
			return nil, configError("handler %q: %v", hc.Name, err)
		}
		opts = append(opts, WithRotation(p))
	}
	return opts, nil
}

// Policy converts the YAML rotation section.
func (rc RotationConfig) Policy() (features.RotationPolicy, error) {
	p := features.RotationPolicy{
		MaxBytes:        rc.MaxBytes,
		Interval:        rc.Interval,
		MaxBackups:      rc.MaxBackups,
		MaxAge:          rc.MaxAge,
		CompressWorkers: rc.CompressWorkers,
	}

	var err error
	if p.When, err = features.ParseRotateWhen(rc.When); err != nil {
		return p, err
	}
	if p.Compress, err = features.ParseCompressionType(rc.Compress); err != nil {
		return p, err
	}
	if p.Naming, err = features.ParseNaming(rc.Naming); err != nil {
		return p, err
	}
	if rc.Location != "" {
		if p.Location, err = time.LoadLocation(rc.Location); err != nil {
			return p, errors.Wrapf(err, "rotation location %q", rc.Location)
		}
	}
	return p, p.Validate()
}

// Build constructs the handler. extra options apply after the file settings.
func (hc HandlerConfig) Build(extra ...Option) (*Handler, error) {
	opts, err := hc.Options()
	if err != nil {
		return nil, err
	}
	opts = append(opts, extra...)

	switch hc.Type {
	case "console":
		stream, err := backends.ParseStream(hc.Stream)
		if err != nil {
			return nil, configError("handler %q: %v", hc.Name, err)
		}
		return NewConsole(stream, opts...)

	case "file":
		if hc.Path == "" {
			return nil, configError("handler %q: file path is required", hc.Name)
		}
		return NewFile(hc.Path, opts...)

	case "network":
		netOpts := backends.DefaultNetworkOptions(hc.Address)
		if hc.Network != "" {
			netOpts.Network = hc.Network
		}
		if netOpts.Framing, err = backends.ParseFraming(hc.Framing); err != nil {
			return nil, configError("handler %q: %v", hc.Name, err)
		}
		return NewNetwork(netOpts, opts...)

	case "nats":
		return NewNATS(hc.URI, opts...)
	}
	return nil, configError("handler %q: unknown type %q", hc.Name, hc.Type)
}

// BuildHandlers constructs every handler in order. On failure the handlers
// already built are closed.
func BuildHandlers(fc *FileConfig, extra ...Option) ([]*Handler, error) {
	handlers := make([]*Handler, 0, len(fc.Handlers))
	for _, hc := range fc.Handlers {
		h, err := hc.Build(extra...)
		if err != nil {
			for _, built := range handlers {
				_ = built.Close() // construction already failed
			}
			return nil, err
		}
		handlers = append(handlers, h)
	}
	return handlers, nil
}
