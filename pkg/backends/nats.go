package backends

import (
	"bytes"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// publisher is the subset of *nats.Conn the sink uses.
type publisher interface {
	Publish(subject string, data []byte) error
	Flush() error
	Close()
}

// NATSOptions configures a NATSSink.
type NATSOptions struct {
	Servers       []string
	Subject       string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	FlushTimeout  time.Duration
	Secure        bool
	User          string
	Password      string
}

// ParseNATSURI parses nats://[user:pass@]host[:port]/subject?max_reconnect=N&reconnect_wait=SECONDS&tls=true
func ParseNATSURI(uri string) (NATSOptions, error) {
	parsedURL, err := url.Parse(uri)
	if err != nil {
		return NATSOptions{}, errors.Wrap(err, "invalid URI")
	}
	if parsedURL.Scheme != "nats" {
		return NATSOptions{}, errors.Errorf("invalid scheme: %s (expected 'nats')", parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return NATSOptions{}, errors.New("missing NATS host")
	}

	opts := NATSOptions{
		Servers:       []string{"nats://" + parsedURL.Host},
		Subject:       strings.TrimPrefix(parsedURL.Path, "/"),
		Name:          "omni-nats-sink",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		FlushTimeout:  2 * time.Second,
	}

	query := parsedURL.Query()
	if v := query.Get("max_reconnect"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return NATSOptions{}, errors.Wrap(err, "max_reconnect")
		}
		opts.MaxReconnects = n
	}
	if v := query.Get("reconnect_wait"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return NATSOptions{}, errors.Wrap(err, "reconnect_wait")
		}
		opts.ReconnectWait = time.Duration(n) * time.Second
	}
	if v := query.Get("tls"); v != "" {
		opts.Secure, _ = strconv.ParseBool(v)
	}
	if parsedURL.User != nil {
		opts.User = parsedURL.User.Username()
		opts.Password, _ = parsedURL.User.Password()
	}
	return opts, nil
}

// NATSSink publishes each message to a NATS subject. It implements
// BatchWriter so a buffered batch becomes one publish per message followed
// by a single flush.
type NATSSink struct {
	mu     sync.Mutex
	opts   NATSOptions
	conn   publisher
	dial   func() (publisher, error)
	closed bool

	writes atomic.Uint64
	bytes  atomic.Uint64
	errs   atomic.Uint64
}

// NewNATSSink validates opts and returns a sink that connects on first use.
func NewNATSSink(opts NATSOptions) (*NATSSink, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if opts.Subject == "" {
		return nil, errors.New("NATS subject cannot be empty")
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 2 * time.Second
	}

	s := &NATSSink{opts: opts}
	s.dial = s.connect
	return s, nil
}

func (s *NATSSink) connect() (publisher, error) {
	options := []nats.Option{nats.Name(s.opts.Name)}
	if s.opts.MaxReconnects != 0 {
		options = append(options, nats.MaxReconnects(s.opts.MaxReconnects))
	}
	if s.opts.ReconnectWait > 0 {
		options = append(options, nats.ReconnectWait(s.opts.ReconnectWait))
	}
	if s.opts.Secure {
		options = append(options, nats.Secure())
	}
	if s.opts.User != "" {
		options = append(options, nats.UserInfo(s.opts.User, s.opts.Password))
	}

	conn, err := nats.Connect(strings.Join(s.opts.Servers, ","), options...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS")
	}
	return &natsConn{conn: conn, timeout: s.opts.FlushTimeout}, nil
}

// natsConn bounds Flush with a timeout so a stalled server cannot block the
// handler's writer lock indefinitely.
type natsConn struct {
	conn    *nats.Conn
	timeout time.Duration
}

func (c *natsConn) Publish(subject string, data []byte) error { return c.conn.Publish(subject, data) }
func (c *natsConn) Flush() error                              { return c.conn.FlushTimeout(c.timeout) }
func (c *natsConn) Close()                                    { c.conn.Close() }

func (s *NATSSink) ensureConn() error {
	if s.closed {
		return ErrSinkClosed
	}
	if s.conn != nil {
		return nil
	}
	conn, err := s.dial()
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// Write publishes every line of p as its own message.
func (s *NATSSink) Write(p []byte) (int, error) {
	var msgs [][]byte
	for _, line := range bytes.Split(p, []byte("\n")) {
		if len(line) > 0 {
			msgs = append(msgs, line)
		}
	}
	if err := s.WriteBatch(msgs); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteBatch implements BatchWriter.
func (s *NATSSink) WriteBatch(msgs [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConn(); err != nil {
		s.errs.Add(1)
		return err
	}

	var n int
	for _, m := range msgs {
		if err := s.conn.Publish(s.opts.Subject, m); err != nil {
			s.errs.Add(1)
			return errors.Wrap(err, "failed to publish")
		}
		n += len(m)
	}
	if err := s.conn.Flush(); err != nil {
		s.errs.Add(1)
		return errors.Wrap(err, "flush NATS connection")
	}

	s.writes.Add(uint64(len(msgs)))
	s.bytes.Add(uint64(n))
	return nil
}

// Close implements Sink.
func (s *NATSSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn == nil {
		return nil
	}
	err := s.conn.Flush()
	s.conn.Close()
	s.conn = nil
	if err != nil {
		return errors.Wrap(err, "flush on close")
	}
	return nil
}

// Stats implements StatsProvider.
func (s *NATSSink) Stats() Stats {
	return Stats{
		Name:         "nats://" + s.opts.Subject,
		WriteCount:   s.writes.Load(),
		BytesWritten: s.bytes.Load(),
		ErrorCount:   s.errs.Load(),
	}
}
