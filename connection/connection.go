// Package connection wraps one live TCP socket used by a keep-alive session.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/znamenap/connmon/option"
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrAlreadyOpen  = errors.New("connection already open")
	ErrNotConnected = errors.New("connection not open")
)

const (
	DefaultKeepAlive   = 15 * time.Second
	DefaultDialTimeout = 5 * time.Second
	tcp                = "tcp"
)

// Connection is a TCP socket together with the endpoints and the moment it
// was established. It is either open or closed; closed is terminal.
//
// Close may be called from any goroutine. Read and Write are meant to be used
// by the single session that owns the connection.
type Connection struct {
	mu     sync.Mutex
	conn   *net.TCPConn
	closed bool

	dialer    *net.Dialer
	keepAlive time.Duration

	openedAt time.Time
	local    net.Addr
	remote   net.Addr
}

type Option = option.Option[Connection]

// WithKeepAlive sets the TCP keep-alive probe period. Zero selects
// DefaultKeepAlive; keep-alive is never disabled.
func WithKeepAlive(period time.Duration) Option {
	return func(c *Connection) {
		if period > 0 {
			c.keepAlive = period
		}
	}
}

// WithDialer replaces the dialer used by Open.
func WithDialer(dialer *net.Dialer) Option {
	return func(c *Connection) {
		c.dialer = dialer
	}
}

// WithDialTimeout configures how long Open waits for the handshake.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *Connection) {
		if c.dialer == nil {
			c.dialer = &net.Dialer{}
		}
		c.dialer.Timeout = timeout
	}
}

// New returns a connection that is not open yet.
func New(opts ...Option) *Connection {
	c := &Connection{
		keepAlive: DefaultKeepAlive,
		dialer:    &net.Dialer{Timeout: DefaultDialTimeout},
	}
	option.Apply(c, opts...)

	return c
}

// Dial creates a connection and opens it to remote ("host:port").
func Dial(ctx context.Context, remote string, opts ...Option) (*Connection, error) {
	c := New(opts...)
	if err := c.Open(ctx, remote); err != nil {
		return nil, err
	}
	return c, nil
}

// FromConn adopts a socket returned by accept. openedAt is the accept time.
func FromConn(conn *net.TCPConn, openedAt time.Time, opts ...Option) (*Connection, error) {
	c := New(opts...)

	if err := enableKeepAlive(conn, c.keepAlive); err != nil {
		return nil, fmt.Errorf("enable keep-alive: %w", err)
	}

	c.conn = conn
	c.openedAt = openedAt.UTC()
	c.local = conn.LocalAddr()
	c.remote = conn.RemoteAddr()

	return c, nil
}

// Open establishes the TCP session. Endpoints and the open timestamp are
// only set once the handshake has completed.
func (c *Connection) Open(ctx context.Context, remote string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return ErrClosed
	case c.conn != nil:
		return fmt.Errorf("%w: %s cannot be used for %s", ErrAlreadyOpen, FormatEndpoint(c.remote), remote)
	}

	dialer := *c.dialer
	dialer.KeepAlive = c.keepAlive

	conn, err := dialer.DialContext(ctx, tcp, remote)
	if err != nil {
		return fmt.Errorf("connect %s: %w", remote, err)
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		_ = conn.Close()
		return fmt.Errorf("connect %s: unexpected connection type %T", remote, conn)
	}

	if err := enableKeepAlive(tcpConn, c.keepAlive); err != nil {
		_ = tcpConn.Close()
		return fmt.Errorf("enable keep-alive: %w", err)
	}

	c.conn = tcpConn
	c.openedAt = time.Now().UTC()
	c.local = tcpConn.LocalAddr()
	c.remote = tcpConn.RemoteAddr()

	return nil
}

// Close releases the socket. Calling it again, or on a connection that was
// never opened, is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// IsOpen reports whether the socket is usable.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn != nil && !c.closed
}

func (c *Connection) socket() (*net.TCPConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return nil, ErrClosed
	case c.conn == nil:
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Read copies whatever is pending on the socket into buf, never more than
// the number of bytes the kernel reports as available.
//
// With a zero deadline it only checks and returns immediately. Otherwise it
// waits until data arrives or the deadline passes. Running out of time is not
// an error: Read returns 0, nil. A peer that closed its side yields io.EOF.
func (c *Connection) Read(buf []byte, deadline time.Time) (int, error) {
	conn, err := c.socket()
	if err != nil {
		return 0, err
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, c.wrap("read", err)
	}

	available, err := pending(conn, !deadline.IsZero())
	switch {
	case isTimeout(err):
		return 0, nil
	case err != nil:
		return 0, c.wrap("read", err)
	case available == 0:
		return 0, nil
	case available > 0 && available < len(buf):
		buf = buf[:available]
	}

	if available < 0 && deadline.IsZero() {
		// pending count unknown on this platform, poll instead of blocking
		if err := conn.SetReadDeadline(time.Now().Add(pollWindow)); err != nil {
			return 0, c.wrap("read", err)
		}
	}

	n, err := conn.Read(buf)
	if err != nil && !isTimeout(err) {
		return n, c.wrap("read", err)
	}
	return n, nil
}

// Write hands all of b to the transport or fails.
func (c *Connection) Write(b []byte, deadline time.Time) error {
	conn, err := c.socket()
	if err != nil {
		return err
	}

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return c.wrap("write", err)
	}

	if _, err := conn.Write(b); err != nil {
		return c.wrap("write", err)
	}
	return nil
}

func (c *Connection) wrap(op string, err error) error {
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%s %s: %w", op, FormatEndpoint(c.remote), ErrClosed)
	}
	return fmt.Errorf("%s %s: %w", op, FormatEndpoint(c.remote), err)
}

// OpenedAt is the UTC time the connection was established.
func (c *Connection) OpenedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedAt
}

// LocalAddr returns the local socket address, nil until opened.
func (c *Connection) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// RemoteAddr returns the peer socket address, nil until opened.
func (c *Connection) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// LocalEndpoint is the formatted local address.
func (c *Connection) LocalEndpoint() string {
	return FormatEndpoint(c.LocalAddr())
}

// RemoteEndpoint is the formatted peer address.
func (c *Connection) RemoteEndpoint() string {
	return FormatEndpoint(c.RemoteAddr())
}

func (c *Connection) String() string {
	return fmt.Sprintf("@%s: %s -> %s",
		c.OpenedAt().Format(time.RFC3339Nano),
		c.LocalEndpoint(),
		c.RemoteEndpoint())
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
