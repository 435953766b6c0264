package connection

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// UnknownEndpoint is shown for an endpoint that is not known yet.
const UnknownEndpoint = "000.000.000.000:*****"

// FormatEndpoint renders IPv4 endpoints zero padded with a left aligned
// port, e.g. "010.000.000.001:80   ", so that log columns line up.
// Other address families use their usual form.
func FormatEndpoint(addr net.Addr) string {
	if addr == nil {
		return UnknownEndpoint
	}

	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}

	ip4 := tcpAddr.IP.To4()
	if ip4 == nil {
		return tcpAddr.String()
	}

	return fmt.Sprintf("%03d.%03d.%03d.%03d:%-5d", ip4[0], ip4[1], ip4[2], ip4[3], tcpAddr.Port)
}

// ErrorCode extracts the transport error code from err, falling back to the
// error text when no errno is attached.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return fmt.Sprintf("%s (%d)", errno.Error(), int(errno))
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Err != nil {
		return opErr.Err.Error()
	}

	return err.Error()
}
