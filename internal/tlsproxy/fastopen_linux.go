//go:build linux

package tlsproxy

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// enableTCPFastOpen turns on TCP_FASTOPEN_CONNECT for the dial, so once a
// connection to a given upstream has succeeded once, later connections to
// the same peer can carry their first data segment in the SYN instead of
// waiting out the full handshake.
func enableTCPFastOpen(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(descriptor uintptr) {
		opErr = unix.SetsockoptInt(int(descriptor), unix.IPPROTO_TCP, unix.TCP_FASTOPEN_CONNECT, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
