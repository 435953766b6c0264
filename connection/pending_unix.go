//go:build linux || darwin

package connection

import (
	"errors"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

const pollWindow = time.Millisecond

// pending reports how many bytes can be read without blocking.
//
// The socket is peeked first so that an orderly shutdown by the peer (a
// readable socket with nothing in it) is told apart from "no data yet". When
// block is set it parks on the runtime poller until the socket becomes
// readable or the read deadline passes.
func pending(conn *net.TCPConn, block bool) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var (
		available int
		opErr     error
		peek      [1]byte
	)

	err = raw.Read(func(fd uintptr) bool {
		n, _, rerr := unix.Recvfrom(int(fd), peek[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case errors.Is(rerr, unix.EAGAIN), errors.Is(rerr, unix.EWOULDBLOCK), errors.Is(rerr, unix.EINTR):
			return !block
		case rerr != nil:
			opErr = rerr
			return true
		case n == 0:
			opErr = io.EOF
			return true
		}

		available, opErr = unix.IoctlGetInt(int(fd), readableRequest)
		return true
	})
	if err != nil {
		return 0, err
	}

	return available, opErr
}
