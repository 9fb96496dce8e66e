package tlsproxy

import (
	"net"

	"go.uber.org/zap"

	"github.com/mikesi/mproxy/internal/mlog"
)

const (
	keepAliveIdleSeconds     = 60
	keepAliveIntervalSeconds = 30
	keepAliveCount           = 32
)

// keepAliveListener wraps a net.Listener and applies the downstream
// connection's keepalive profile (idle 60s, probe every 30s, give up
// after 32 probes) to every accepted connection, matching the socket
// tuning the TLS service applies to its listener.
type keepAliveListener struct {
	net.Listener
}

// WrapKeepAlive applies the downstream keepalive profile to every
// connection accepted from l.
func WrapKeepAlive(l net.Listener) net.Listener {
	return keepAliveListener{l}
}

func (l keepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return conn, nil
	}
	if err := tuneKeepAlive(tcp); err != nil {
		mlog.Log().Warn("tuning keepalive on accepted connection", zap.Error(err))
	}
	return conn, nil
}
