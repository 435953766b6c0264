//go:build !linux && !darwin

package connection

import (
	"net"
	"time"
)

const pollWindow = 10 * time.Millisecond

// pending cannot ask the kernel on this platform; -1 tells Read to fall back
// to a deadline bounded read.
func pending(_ *net.TCPConn, _ bool) (int, error) {
	return -1, nil
}
