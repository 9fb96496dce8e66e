//go:build linux

package tlsproxy

import (
	"net"

	"golang.org/x/sys/unix"
)

// tuneKeepAlive sets the full keepalive profile via the raw socket, since
// net.TCPConn only exposes the probe interval on most platforms.
func tuneKeepAlive(conn *net.TCPConn) error {
	if err := conn.SetKeepAlive(true); err != nil {
		return err
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	err = raw.Control(func(descriptor uintptr) {
		fd := int(descriptor)
		if opErr = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, keepAliveIdleSeconds); opErr != nil {
			return
		}
		if opErr = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, keepAliveIntervalSeconds); opErr != nil {
			return
		}
		opErr = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, keepAliveCount)
	})
	if err != nil {
		return err
	}
	return opErr
}
