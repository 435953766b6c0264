package connection

import (
	"net"
	"time"
)

// enableKeepAlive turns on transport level keep-alive so that a dead peer is
// noticed even while the ping-pong protocol is idle.
func enableKeepAlive(conn *net.TCPConn, period time.Duration) error {
	return conn.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     period,
		Interval: period,
		Count:    -1,
	})
}
