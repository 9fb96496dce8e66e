package tlsproxy

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/mikesi/mproxy/internal/certstore"
	"github.com/mikesi/mproxy/internal/metrics"
	"github.com/mikesi/mproxy/internal/mlog"
)

// hopHeaders are stripped from the outbound request and the returned
// response; they describe a single hop of the connection, not the
// end-to-end message, so they must never be forwarded as-is.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// UpstreamTransport builds the http.RoundTripper used for every request
// forwarded to an upstream: HTTP/1.1 only (ALPN "http/1.1"), a 120s idle
// timeout, TCP fast-open enabled on the dial, and TCP keepalive tuned to
// probe every 30s up to 32 times before giving up on a dead peer.
func UpstreamTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   enableTCPFastOpen,
	}
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			if err := tuneKeepAlive(tcp); err != nil {
				mlog.Log().Warn("tuning keepalive on upstream connection", zap.Error(err))
			}
		}
		return conn, nil
	}
	return &http.Transport{
		DialContext:           dial,
		IdleConnTimeout:       120 * time.Second,
		MaxIdleConnsPerHost:   32,
		ExpectContinueTimeout: time.Second,
		// Upstream is always plaintext HTTP/1.1, so there is no ALPN
		// negotiation to configure; a non-nil, empty TLSNextProto map
		// turns off the transport's automatic HTTP/2 support.
		TLSNextProto: map[string]func(string, *tls.Conn) http.RoundTripper{},
	}
}

// NewHostProxy builds a reverse proxy that forwards every request to
// record's upstream address, rewriting headers the way the upstream peer
// construction in the original pingora-based proxy does.
func NewHostProxy(record *certstore.Record, transport http.RoundTripper) *httputil.ReverseProxy {
	director := func(req *http.Request) {
		clientIP := clientIPOf(req)
		requestID := uuid.NewString()

		req.URL.Scheme = "http"
		req.URL.Host = record.UpstreamAddress
		req.Host = record.UpstreamAddress

		req.Header.Set("X-Forwarded-Proto", "https")
		req.Header.Set("X-Forwarded-Scheme", "https")
		req.Header.Set("X-Request-Id", requestID)
		if clientIP != "" {
			req.Header.Set("X-Real-IP", clientIP)
		}

		if cookies := req.Header.Values("Cookie"); len(cookies) > 1 {
			req.Header.Set("Cookie", strings.Join(cookies, "; "))
		}

		for _, h := range hopHeaders {
			req.Header.Del(h)
		}
	}

	return &httputil.ReverseProxy{
		Director:  director,
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			mlog.Log().Error("proxying request",
				zap.String("host", record.HostName),
				zap.String("upstream", record.UpstreamAddress),
				zap.Error(err))
			metrics.ProxiedRequests.WithLabelValues(record.HostName, metrics.SanitizeMethod(r.Method), metrics.SanitizeCode(http.StatusBadGateway)).Inc()
			w.WriteHeader(http.StatusBadGateway)
		},
		ModifyResponse: func(resp *http.Response) error {
			if c := resp.Header.Get("Connection"); c != "" {
				for _, f := range strings.Split(c, ",") {
					if f = strings.TrimSpace(f); f != "" {
						resp.Header.Del(f)
					}
				}
			}
			for _, h := range hopHeaders {
				resp.Header.Del(h)
			}
			metrics.ProxiedRequests.WithLabelValues(record.HostName, metrics.SanitizeMethod(resp.Request.Method), metrics.SanitizeCode(resp.StatusCode)).Inc()
			return nil
		},
	}
}

func clientIPOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ConfigureH2 enables HTTP/2 over TLS for the downstream (client-facing)
// listener only; the upstream hop stays HTTP/1.1 per UpstreamTransport.
func ConfigureH2(srv *http.Server) error {
	return http2.ConfigureServer(srv, &http2.Server{})
}
