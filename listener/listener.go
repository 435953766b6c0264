// Package listener binds the monitoring port and turns inbound accepts into
// connections.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/znamenap/connmon/connection"
	"github.com/znamenap/connmon/dns"
	"github.com/znamenap/connmon/option"
)

// ErrListenerClosed is returned by Accept once the listener was closed or the
// context cancelled. It is the normal way for an accept loop to end.
var ErrListenerClosed = errors.New("listener closed")

const (
	// Backlog is the number of pending connections the kernel may queue.
	Backlog = 10
	// WildcardAddress binds the host's primary IPv4 address.
	WildcardAddress = "0.0.0.0"
)

// Listener accepts TCP sessions on one address and port.
type Listener struct {
	ln        *net.TCPListener
	closeOnce sync.Once
	closeErr  error

	resolver  *dns.Resolver
	keepAlive time.Duration
}

type Option = option.Option[Listener]

// WithResolver replaces the resolver used to find the primary IPv4 address.
func WithResolver(r *dns.Resolver) Option {
	return func(l *Listener) {
		l.resolver = r
	}
}

// WithKeepAlive sets the keep-alive period of accepted connections.
func WithKeepAlive(period time.Duration) Option {
	return func(l *Listener) {
		l.keepAlive = period
	}
}

// Bind resolves address and starts listening on it. WildcardAddress is
// replaced by the first address the host's own name resolves to.
func Bind(ctx context.Context, address string, port int, opts ...Option) (*Listener, error) {
	l := &Listener{keepAlive: connection.DefaultKeepAlive}
	option.Apply(l, opts...)

	if l.resolver == nil {
		l.resolver = dns.NewResolver()
	}

	ip, err := l.resolve(ctx, address)
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{
		Control:   control,
		KeepAlive: l.keepAlive,
	}

	endpoint := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	ln, err := lc.Listen(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", endpoint, err)
	}

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return nil, fmt.Errorf("listen %s: unexpected listener type %T", endpoint, ln)
	}

	if err := setBacklog(tcpLn, Backlog); err != nil {
		_ = tcpLn.Close()
		return nil, fmt.Errorf("listen %s: backlog: %w", endpoint, err)
	}

	l.ln = tcpLn
	return l, nil
}

func (l *Listener) resolve(ctx context.Context, address string) (netip.Addr, error) {
	if address == WildcardAddress {
		ip, err := l.resolver.PrimaryIPv4(ctx)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("resolve primary address: %w", err)
		}
		return ip, nil
	}

	ip, err := netip.ParseAddr(address)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse listen address %q: %w", address, err)
	}
	return ip, nil
}

// Accept waits for the next inbound connection. It returns an error wrapping
// ErrListenerClosed when the listener is closed or ctx is done.
func (l *Listener) Accept(ctx context.Context) (*connection.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListenerClosed, err)
	}

	if err := l.ln.SetDeadline(time.Time{}); err != nil {
		return nil, l.acceptErr(ctx, err)
	}

	stop := context.AfterFunc(ctx, func() {
		// a deadline in the past unblocks AcceptTCP right away
		_ = l.ln.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	conn, err := l.ln.AcceptTCP()
	if err != nil {
		return nil, l.acceptErr(ctx, err)
	}

	c, err := connection.FromConn(conn, time.Now().UTC(), connection.WithKeepAlive(l.keepAlive))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("accept: %w", err)
	}

	return c, nil
}

func (l *Listener) acceptErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrListenerClosed, ctx.Err())
	}
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrListenerClosed, err)
	}
	return fmt.Errorf("accept: %w", err)
}

// Close stops accepting. Pending Accept calls return immediately.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.ln.Close()
	})
	return l.closeErr
}

// Addr is the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Endpoint is the bound address in log format.
func (l *Listener) Endpoint() string {
	return connection.FormatEndpoint(l.ln.Addr())
}
