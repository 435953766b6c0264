// Package monitors drives keep-alive sessions on the accepting and on the
// dialing side.
package monitors

import (
	"context"
	"time"

	"github.com/znamenap/connmon/connection"
	"github.com/znamenap/connmon/dns"
	"github.com/znamenap/connmon/events"
	"github.com/znamenap/connmon/listener"
	"github.com/znamenap/connmon/option"
	"github.com/znamenap/connmon/session"
	"github.com/znamenap/connmon/statistics"
)

const (
	DefaultQueueCapacity  = 16
	DefaultEnqueueTimeout = 1000 * time.Millisecond
	DefaultGracePeriod    = 5 * time.Second
	DefaultRetryInterval  = 2 * time.Second
)

// Acceptor is the listening side of an incoming monitor.
type Acceptor interface {
	Accept(ctx context.Context) (*connection.Connection, error)
	Close() error
	Endpoint() string
}

// BindFunc opens the Acceptor an incoming monitor serves.
type BindFunc func(ctx context.Context, address string, port int) (Acceptor, error)

// DialFunc opens the connection an outgoing monitor runs its session on.
type DialFunc func(ctx context.Context, remote string) (session.Conn, error)

// StatisticsHandler receives the statistics of every finished session. It is
// called from session goroutines.
type StatisticsHandler func(s *statistics.Statistics)

type settings struct {
	sink      events.Sink
	policy    *session.Policy
	keepAlive time.Duration
	onStats   StatisticsHandler
	resolver  *dns.Resolver

	queueCapacity  int
	enqueueTimeout time.Duration
	gracePeriod    time.Duration
	maxWorkers     int
	bind           BindFunc

	retryInterval time.Duration
	dialTimeout   time.Duration
	dial          DialFunc
}

type Option = option.Option[settings]

func defaultSettings() settings {
	return settings{
		sink:           events.Discard,
		keepAlive:      connection.DefaultKeepAlive,
		queueCapacity:  DefaultQueueCapacity,
		enqueueTimeout: DefaultEnqueueTimeout,
		gracePeriod:    DefaultGracePeriod,
		retryInterval:  DefaultRetryInterval,
		dialTimeout:    connection.DefaultDialTimeout,
	}
}

// WithSink sets where monitor and session events go.
func WithSink(sink events.Sink) Option {
	return func(s *settings) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithPolicy overrides the session policy. The incoming monitor defaults to
// session.FailFastPolicy, the outgoing one to session.RetryPolicy.
func WithPolicy(p session.Policy) Option {
	return func(s *settings) {
		s.policy = &p
	}
}

// WithKeepAlive sets the TCP keep-alive period of monitored connections.
func WithKeepAlive(period time.Duration) Option {
	return func(s *settings) {
		if period > 0 {
			s.keepAlive = period
		}
	}
}

// WithStatisticsHandler is called with the statistics of each finished session.
func WithStatisticsHandler(h StatisticsHandler) Option {
	return func(s *settings) {
		s.onStats = h
	}
}

// WithResolver sets the resolver used for the listen address and dial targets.
func WithResolver(r *dns.Resolver) Option {
	return func(s *settings) {
		s.resolver = r
	}
}

// WithQueueCapacity bounds the hand-off queue between acceptor and workers.
func WithQueueCapacity(n int) Option {
	return func(s *settings) {
		if n >= 0 {
			s.queueCapacity = n
		}
	}
}

// WithEnqueueTimeout is how long an accepted connection may wait for room in
// the queue before it is dropped.
func WithEnqueueTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.enqueueTimeout = d
		}
	}
}

// WithGracePeriod bounds how long shutdown waits for running sessions.
func WithGracePeriod(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.gracePeriod = d
		}
	}
}

// WithMaxWorkers caps concurrent sessions. Zero means no cap.
func WithMaxWorkers(n int) Option {
	return func(s *settings) {
		if n >= 0 {
			s.maxWorkers = n
		}
	}
}

// WithBind replaces listener.Bind.
func WithBind(bind BindFunc) Option {
	return func(s *settings) {
		s.bind = bind
	}
}

// WithRetryInterval is the pause between failed dials.
func WithRetryInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.retryInterval = d
		}
	}
}

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

// WithDial replaces connection.Dial.
func WithDial(dial DialFunc) Option {
	return func(s *settings) {
		s.dial = dial
	}
}

func (s *settings) report(res session.Result) {
	if s.onStats != nil && res.Statistics != nil {
		s.onStats(res.Statistics)
	}
}

func (s *settings) defaultBind(ctx context.Context, address string, port int) (Acceptor, error) {
	opts := []listener.Option{listener.WithKeepAlive(s.keepAlive)}
	if s.resolver != nil {
		opts = append(opts, listener.WithResolver(s.resolver))
	}
	ln, err := listener.Bind(ctx, address, port, opts...)
	if err != nil {
		return nil, err
	}
	return ln, nil
}

func (s *settings) defaultDial(ctx context.Context, remote string) (session.Conn, error) {
	c, err := connection.Dial(ctx, remote,
		connection.WithKeepAlive(s.keepAlive),
		connection.WithDialTimeout(s.dialTimeout))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
