package backends

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitdabbler/backoff"
	"github.com/pkg/errors"
)

// Framing controls how payloads are laid out on the wire.
type Framing int

const (
	// FramingRaw sends payloads unchanged
	FramingRaw Framing = iota
	// FramingSyslog prefixes every line with "<priority>tag: "
	FramingSyslog
)

// ParseFraming maps "raw"/"syslog" to a Framing.
func ParseFraming(name string) (Framing, error) {
	switch name {
	case "", "raw":
		return FramingRaw, nil
	case "syslog":
		return FramingSyslog, nil
	}
	return FramingRaw, errors.Errorf("unknown framing %q", name)
}

// NetworkOptions configures a NetworkSink.
type NetworkOptions struct {
	Network      string        // tcp, udp, unix, unixgram or tls
	Address      string        // host:port, or socket path for unix
	DialTimeout  time.Duration // per connection attempt
	WriteTimeout time.Duration // deadline for one payload
	MaxAttempts  int           // connection attempts per write before failing
	MaxBackoff   time.Duration // ceiling of the exponential reconnect delay
	TLSConfig    *tls.Config   // used when Network is tls

	Framing  Framing
	Priority int    // syslog priority (facility*8 + severity)
	Tag      string // syslog tag
}

// DefaultNetworkOptions returns options for a TCP connection to address.
func DefaultNetworkOptions(address string) NetworkOptions {
	return NetworkOptions{
		Network:      "tcp",
		Address:      address,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		MaxAttempts:  3,
		MaxBackoff:   2 * time.Second,
		Priority:     14, // user.info
		Tag:          "omni",
	}
}

// NetworkSink writes payloads to a socket. It connects lazily and, after a
// failed write, drops the connection and reconnects with exponential backoff
// on the next write. On datagram networks every message is sent as its own
// datagram through WriteBatch.
type NetworkSink struct {
	mu     sync.Mutex
	opts   NetworkOptions
	conn   net.Conn
	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc

	writes     atomic.Uint64
	bytes      atomic.Uint64
	errs       atomic.Uint64
	reconnects atomic.Uint64
}

// NewNetworkSink validates opts and returns an unconnected sink.
func NewNetworkSink(opts NetworkOptions) (*NetworkSink, error) {
	switch opts.Network {
	case "tcp", "udp", "unix", "unixgram", "tls":
	default:
		return nil, errors.Errorf("unsupported network %q", opts.Network)
	}
	if opts.Address == "" {
		return nil, errors.New("network address cannot be empty")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 2 * time.Second
	}
	if opts.Tag == "" {
		opts.Tag = "omni"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &NetworkSink{opts: opts, ctx: ctx, cancel: cancel}, nil
}

// Write implements Sink.
func (ns *NetworkSink) Write(p []byte) (int, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if err := ns.readyLocked(); err != nil {
		return 0, err
	}
	if err := ns.sendLocked(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteBatch implements BatchWriter. Each message goes out in its own write,
// so on udp and unixgram one message is one datagram. It stops at the first
// failure; messages before it have already been sent.
func (ns *NetworkSink) WriteBatch(msgs [][]byte) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if err := ns.readyLocked(); err != nil {
		return err
	}
	for _, m := range msgs {
		if err := ns.sendLocked(m); err != nil {
			return err
		}
	}
	return nil
}

// UsesBatch reports whether handlers should deliver through WriteBatch.
// Stream networks take joined batches in a single Write.
func (ns *NetworkSink) UsesBatch() bool { return ns.datagram() }

func (ns *NetworkSink) datagram() bool {
	return ns.opts.Network == "udp" || ns.opts.Network == "unixgram"
}

func (ns *NetworkSink) readyLocked() error {
	if ns.closed.Load() {
		return ErrSinkClosed
	}
	if ns.conn == nil {
		if err := ns.tryConnect(); err != nil {
			ns.errs.Add(1)
			return err
		}
	}
	return nil
}

func (ns *NetworkSink) sendLocked(p []byte) error {
	payload := p
	if ns.opts.Framing == FramingSyslog {
		payload = ns.frameSyslog(p)
	}

	if ns.opts.WriteTimeout > 0 {
		if err := ns.conn.SetWriteDeadline(time.Now().Add(ns.opts.WriteTimeout)); err != nil {
			ns.dropConn()
			ns.errs.Add(1)
			return errors.Wrap(err, "set write deadline")
		}
	}

	n, err := ns.conn.Write(payload)
	if err == nil && n < len(payload) {
		err = errors.New("short write")
	}
	if err != nil {
		ns.dropConn()
		ns.errs.Add(1)
		return errors.Wrapf(err, "write %s://%s", ns.opts.Network, ns.opts.Address)
	}

	ns.writes.Add(1)
	ns.bytes.Add(uint64(n))
	return nil
}

// tryConnect dials up to MaxAttempts times. The backoff pause between
// attempts ends early when the sink is closed.
func (ns *NetworkSink) tryConnect() error {
	b, err := backoff.New(
		backoff.WithInitialDelay(0),
		backoff.WithExponentialLimit(ns.opts.MaxBackoff),
	)
	if err != nil {
		return errors.Wrap(err, "create backoff")
	}

	for attempt := 1; ; attempt++ {
		err = ns.connect()
		if err == nil {
			if attempt > 1 {
				ns.reconnects.Add(1)
			}
			return nil
		}
		if ns.closed.Load() {
			return errors.Wrap(ErrSinkClosed, "connect aborted")
		}
		if attempt >= ns.opts.MaxAttempts {
			break
		}

		slept := make(chan struct{})
		go func() {
			b.Sleep()
			close(slept)
		}()
		select {
		case <-slept:
		case <-ns.ctx.Done():
			return errors.Wrap(ErrSinkClosed, "connect aborted")
		}
	}
	return errors.Wrapf(err, "connect failed after %d attempts", ns.opts.MaxAttempts)
}

func (ns *NetworkSink) connect() error {
	ctx, cancel := context.WithTimeout(ns.ctx, ns.opts.DialTimeout)
	defer cancel()

	var d net.Dialer
	switch ns.opts.Network {
	case "tls":
		tlsDialer := tls.Dialer{NetDialer: &d, Config: ns.opts.TLSConfig}
		conn, err := tlsDialer.DialContext(ctx, "tcp", ns.opts.Address)
		if err != nil {
			return errors.Wrapf(err, "dial tls %s", ns.opts.Address)
		}
		ns.conn = conn
	default:
		conn, err := d.DialContext(ctx, ns.opts.Network, ns.opts.Address)
		if err != nil {
			return errors.Wrapf(err, "dial %s %s", ns.opts.Network, ns.opts.Address)
		}
		ns.conn = conn
	}
	return nil
}

func (ns *NetworkSink) dropConn() {
	if ns.conn != nil {
		_ = ns.conn.Close() // connection is already broken
		ns.conn = nil
	}
}

// frameSyslog formats each line as <priority>tag: message
func (ns *NetworkSink) frameSyslog(p []byte) []byte {
	prefix := "<" + strconv.Itoa(ns.opts.Priority) + ">" + ns.opts.Tag + ": "
	var out bytes.Buffer
	out.Grow(len(p) + 16*bytes.Count(p, []byte("\n")) + len(prefix))
	for _, line := range bytes.Split(p, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		out.WriteString(prefix)
		out.Write(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

// Connected reports whether the sink currently holds a connection.
func (ns *NetworkSink) Connected() bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.conn != nil
}

// Close implements Sink. It aborts any dial in progress.
func (ns *NetworkSink) Close() error {
	if !ns.closed.CompareAndSwap(false, true) {
		return nil
	}
	ns.cancel()

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.conn == nil {
		return nil
	}
	err := ns.conn.Close()
	ns.conn = nil
	if err != nil {
		return errors.Wrap(err, "close conn")
	}
	return nil
}

// Stats implements StatsProvider.
func (ns *NetworkSink) Stats() Stats {
	return Stats{
		Name:         ns.opts.Network + "://" + ns.opts.Address,
		WriteCount:   ns.writes.Load(),
		BytesWritten: ns.bytes.Load(),
		ErrorCount:   ns.errs.Load(),
	}
}

// Reconnects returns how many connections needed more than one attempt.
func (ns *NetworkSink) Reconnects() uint64 { return ns.reconnects.Load() }
