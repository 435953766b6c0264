package connection_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/znamenap/connmon/connection"
)

// startServer accepts connections on loopback and hands them to the test.
func startServer(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			t.Cleanup(func() { conn.Close() })
			accepted <- conn
		}
	}()

	return ln.Addr().String(), accepted
}

func dial(t *testing.T, addr string) *connection.Connection {
	t.Helper()

	c, err := connection.Dial(t.Context(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c
}

func TestDial(t *testing.T) {
	addr, _ := startServer(t)
	before := time.Now().UTC()

	c := dial(t, addr)

	assert.True(t, c.IsOpen())
	assert.False(t, c.OpenedAt().Before(before))
	assert.Equal(t, time.UTC, c.OpenedAt().Location())
	assert.Contains(t, c.RemoteEndpoint(), "127.000.000.001:")
	assert.Contains(t, c.LocalEndpoint(), "127.000.000.001:")
	assert.Contains(t, c.String(), " -> ")
}

func TestNewIsNotOpen(t *testing.T) {
	c := connection.New()

	assert.False(t, c.IsOpen())
	assert.Equal(t, connection.UnknownEndpoint, c.LocalEndpoint())
	assert.Equal(t, connection.UnknownEndpoint, c.RemoteEndpoint())

	_, err := c.Read(make([]byte, 8), time.Time{})
	assert.ErrorIs(t, err, connection.ErrNotConnected)
	assert.NoError(t, c.Close())
}

func TestOpenTwice(t *testing.T) {
	addr, _ := startServer(t)
	c := dial(t, addr)

	err := c.Open(t.Context(), addr)
	assert.ErrorIs(t, err, connection.ErrAlreadyOpen)
}

func TestOpenRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = connection.Dial(t.Context(), addr, connection.WithDialTimeout(time.Second))
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Contains(t, connection.ErrorCode(err), "refused")
}

func TestOpenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := connection.Dial(ctx, "192.0.2.1:3859")
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	addr, _ := startServer(t)
	c := dial(t, addr)

	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.False(t, c.IsOpen())

	err := c.Write([]byte("ping"), time.Time{})
	assert.ErrorIs(t, err, connection.ErrClosed)

	_, err = c.Read(make([]byte, 8), time.Time{})
	assert.ErrorIs(t, err, connection.ErrClosed)

	err = c.Open(t.Context(), addr)
	assert.ErrorIs(t, err, connection.ErrClosed)
}

func TestReadNothingPending(t *testing.T) {
	addr, _ := startServer(t)
	c := dial(t, addr)

	n, err := c.Read(make([]byte, 1024), time.Time{})
	assert.NoError(t, err)
	assert.Zero(t, n)

	start := time.Now()
	n, err = c.Read(make([]byte, 1024), time.Now().Add(50*time.Millisecond))
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWriteThenRead(t *testing.T) {
	addr, accepted := startServer(t)
	c := dial(t, addr)
	server := <-accepted

	require.NoError(t, c.Write([]byte("ping"), time.Now().Add(time.Second)))

	got := make([]byte, 4)
	_, err := io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	_, err = server.Write([]byte("pong"))
	require.NoError(t, err)

	buf := make([]byte, 1024)
	n, err := c.Read(buf, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
}

func TestReadBoundedByBuffer(t *testing.T) {
	addr, accepted := startServer(t)
	c := dial(t, addr)
	server := <-accepted

	_, err := server.Write([]byte("0123456789"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := c.Read(buf, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "0123", string(buf[:n]))
}

func TestReadPeerClosed(t *testing.T) {
	addr, accepted := startServer(t)
	c := dial(t, addr)
	server := <-accepted

	require.NoError(t, server.Close())

	_, err := c.Read(make([]byte, 16), time.Now().Add(time.Second))
	assert.ErrorIs(t, err, io.EOF)
}

func TestFromConn(t *testing.T) {
	addr, accepted := startServer(t)
	client := dial(t, addr)
	server := <-accepted

	openedAt := time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local)
	c, err := connection.FromConn(server.(*net.TCPConn), openedAt)
	require.NoError(t, err)

	assert.True(t, c.IsOpen())
	assert.True(t, c.OpenedAt().Equal(openedAt))
	assert.Equal(t, client.LocalEndpoint(), c.RemoteEndpoint())
	assert.Equal(t, client.RemoteEndpoint(), c.LocalEndpoint())
}

func TestFormatEndpoint(t *testing.T) {
	tests := []struct {
		name string
		addr net.Addr
		want string
	}{
		{name: "nil", addr: nil, want: connection.UnknownEndpoint},
		{name: "ipv4", addr: &net.TCPAddr{IP: net.IPv4(192, 168, 1, 10), Port: 3859}, want: "192.168.001.010:3859 "},
		{name: "short port", addr: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 80}, want: "010.000.000.001:80   "},
		{name: "ipv6", addr: &net.TCPAddr{IP: net.ParseIP("::1"), Port: 443}, want: "[::1]:443"},
		{name: "other family", addr: &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 53}, want: "1.2.3.4:53"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, connection.FormatEndpoint(tt.addr))
		})
	}
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "", connection.ErrorCode(nil))
	assert.Equal(t, "boom", connection.ErrorCode(errors.New("boom")))

	wrapped := fmt.Errorf("connect: %w", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED})
	assert.Equal(t, fmt.Sprintf("connection refused (%d)", int(syscall.ECONNREFUSED)), connection.ErrorCode(wrapped))
}
