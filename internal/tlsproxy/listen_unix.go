//go:build unix

package tlsproxy

import (
	"context"
	"net"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mikesi/mproxy/internal/mlog"
)

// ListenReusable opens a TCP listener on address with SO_REUSEPORT set,
// so multiple mproxy processes (or a graceful-restart pair) can share the
// same port.
func ListenReusable(ctx context.Context, network, address string) (net.Listener, error) {
	cfg := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return reusePort(network, address, c)
		},
	}
	return cfg.Listen(ctx, network, address)
}

func reusePort(network, address string, conn syscall.RawConn) error {
	return conn.Control(func(descriptor uintptr) {
		if err := unix.SetsockoptInt(int(descriptor), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			mlog.Log().Error("setting SO_REUSEPORT",
				zap.String("network", network),
				zap.String("address", address),
				zap.Error(err))
		}
	})
}
