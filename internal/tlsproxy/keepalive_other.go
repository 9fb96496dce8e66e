//go:build !linux

package tlsproxy

import (
	"net"
	"time"
)

// tuneKeepAlive falls back to the portable stdlib keepalive knobs on
// platforms where the idle-time and probe-count socket options aren't
// available through golang.org/x/sys/unix in a portable way.
func tuneKeepAlive(conn *net.TCPConn) error {
	if err := conn.SetKeepAlive(true); err != nil {
		return err
	}
	return conn.SetKeepAlivePeriod(keepAliveIntervalSeconds * time.Second)
}
