//go:build linux || darwin

package listener

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// control runs before bind(2).
func control(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); opErr != nil {
			return
		}
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}

// setBacklog re-issues listen(2) so the pending queue is capped at n instead
// of the system default.
func setBacklog(ln *net.TCPListener, n int) error {
	raw, err := ln.SyscallConn()
	if err != nil {
		return err
	}

	var opErr error
	err = raw.Control(func(fd uintptr) {
		opErr = unix.Listen(int(fd), n)
	})
	if err != nil {
		return err
	}
	return opErr
}
