//go:build !unix

package tlsproxy

import (
	"context"
	"net"
)

// ListenReusable falls back to a plain listener on platforms without
// SO_REUSEPORT support.
func ListenReusable(ctx context.Context, network, address string) (net.Listener, error) {
	var cfg net.ListenConfig
	return cfg.Listen(ctx, network, address)
}
