//go:build !linux

package tlsproxy

import "syscall"

// enableTCPFastOpen is a no-op on platforms without TCP_FASTOPEN_CONNECT.
func enableTCPFastOpen(network, address string, c syscall.RawConn) error {
	return nil
}
