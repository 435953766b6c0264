//go:build !linux && !darwin

package tracert

import (
	"errors"
	"net"
)

var errTTLUnsupported = errors.New("setting the ttl is not supported on this platform")

func setTTL(_ *net.IPConn, _ int) error {
	return errTTLUnsupported
}
