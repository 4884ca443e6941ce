package omni

import (
	"github.com/wayneeseguin/omnisink/internal/metrics"
	"github.com/wayneeseguin/omnisink/pkg/backends"
	"github.com/wayneeseguin/omnisink/pkg/features"
	"github.com/wayneeseguin/omnisink/pkg/formatters"
)

func buildConfig(d Destination, opts []Option) (Config, error) {
	cfg := DefaultConfig(d)
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// NewConsole creates a synchronous handler for stdout or stderr. The
// default text formatter is coloured when the stream is a terminal.
func NewConsole(stream backends.Stream, opts ...Option) (*Handler, error) {
	sink := backends.NewConsoleSink(stream)

	text := formatters.NewTextFormatter()
	text.Color = sink.IsTerminal()
	opts = append([]Option{
		WithFormatter(text),
		WithName(sink.Stats().Name),
	}, opts...)

	cfg, err := buildConfig(DestinationConsole, opts)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(sink, cfg)
}

// NewFile creates a handler appending to path, rotating it when the
// configuration carries a rotation policy. Formatters with the Headers
// capability get their header written to every new file.
func NewFile(path string, opts ...Option) (*Handler, error) {
	cfg, err := buildConfig(DestinationFile, append([]Option{WithName("file:" + path)}, opts...))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fileOpts := backends.FileOptions{Lock: cfg.FileLock}
	if f := cfg.Formatter; f.Capabilities().Headers {
		fileOpts.Header = f.Headers
	}

	collector := metrics.NewCollector()
	var sink backends.Sink
	if cfg.Rotation != nil && cfg.Rotation.Enabled() {
		name, reporter, clock := cfg.Name, cfg.Reporter, cfg.Clock
		sink, err = features.NewRotatingFile(path, *cfg.Rotation, features.RotatingOptions{
			File:  fileOpts,
			Clock: clock,
			OnError: func(op string, err error) {
				collector.TrackError(KindRotation.String())
				reporter.Report(LogError{
					Timestamp: clock(),
					Kind:      KindRotation,
					Component: name,
					Message:   op + " failed",
					Context:   map[string]interface{}{"path": path},
					Err:       err,
				})
			},
			OnRotate:   func(string) { collector.TrackRotation() },
			OnCompress: func(string, string) { collector.TrackCompression() },
		})
	} else {
		sink, err = backends.NewFileSink(path, fileOpts)
	}
	if err != nil {
		return nil, NewError(KindFatalConfiguration, "open", cfg.Name, err)
	}

	h, err := newHandler(sink, cfg, collector)
	if err != nil {
		_ = sink.Close() // nothing was written yet
		return nil, err
	}
	return h, nil
}

// NewNetwork creates a handler writing to a socket.
func NewNetwork(netOpts backends.NetworkOptions, opts ...Option) (*Handler, error) {
	sink, err := backends.NewNetworkSink(netOpts)
	if err != nil {
		return nil, NewError(KindFatalConfiguration, "config", netOpts.Address, err)
	}

	name := netOpts.Network + "://" + netOpts.Address
	cfg, err := buildConfig(DestinationNetwork, append([]Option{WithName(name)}, opts...))
	if err != nil {
		return nil, err
	}
	return NewWithConfig(sink, cfg)
}

// NewNATS creates a handler publishing to the subject in a nats:// URI.
func NewNATS(uri string, opts ...Option) (*Handler, error) {
	natsOpts, err := backends.ParseNATSURI(uri)
	if err != nil {
		return nil, NewError(KindFatalConfiguration, "config", uri, err)
	}
	sink, err := backends.NewNATSSink(natsOpts)
	if err != nil {
		return nil, NewError(KindFatalConfiguration, "config", uri, err)
	}

	cfg, err := buildConfig(DestinationNATS, append([]Option{WithName("nats:" + natsOpts.Subject)}, opts...))
	if err != nil {
		return nil, err
	}
	return NewWithConfig(sink, cfg)
}
