//go:build linux || darwin

package tracert

import (
	"net"

	"golang.org/x/sys/unix"
)

func setTTL(conn *net.IPConn, ttl int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var opErr error
	err = raw.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TTL, ttl)
	})
	if err != nil {
		return err
	}
	return opErr
}
