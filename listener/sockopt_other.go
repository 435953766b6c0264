//go:build !linux && !darwin

package listener

import (
	"net"
	"syscall"
)

func control(_, _ string, _ syscall.RawConn) error {
	return nil
}

func setBacklog(_ *net.TCPListener, _ int) error {
	return nil
}
