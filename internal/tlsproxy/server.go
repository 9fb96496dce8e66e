package tlsproxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/mikesi/mproxy/internal/certstore"
	"github.com/mikesi/mproxy/internal/mlog"
)

// compressionLevel matches the level the plaintext compression module
// used on the downstream response path.
const compressionLevel = 6

// Server is the HTTPS-terminating, SNI-routed reverse proxy.
type Server struct {
	store     *certstore.Store
	transport http.RoundTripper
}

// NewServer builds a Server backed by store. A single shared transport is
// reused across every upstream host, matching the pooled-keepalive
// behavior of the original peer construction.
func NewServer(store *certstore.Store) *Server {
	return &Server{
		store:     store,
		transport: UpstreamTransport(),
	}
}

// TLSConfig returns the tls.Config to hand to a tls.Listener or
// http.Server, wired to select a certificate per-connection from the
// store and to negotiate HTTP/2 then HTTP/1.1 over ALPN.
func (s *Server) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS13,
		GetCertificate: GetCertificate(s.store),
		NextProtos:     []string{"h2", "http/1.1"},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := strings.ToLower(hostOnly(r.Host))
	record := s.store.Get(host)
	if record == nil {
		mlog.Log().Error("no upstream for host", zap.String("host", host))
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	if record.UpstreamAddress == "" {
		mlog.Log().Error("no upstream address configured", zap.String("host", host))
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	proxy := NewHostProxy(record, s.transport)
	gzipResponseWriter(w, r, proxy.ServeHTTP)
}

// Listen opens the HTTPS listener on port: SO_REUSEPORT so a
// graceful-restart pair can share the socket, and the downstream
// keepalive profile (idle 60s, probe every 30s, 32 probes) on every
// accepted connection, wrapped in the per-connection SNI TLS config.
func (s *Server) Listen(ctx context.Context, port int) (net.Listener, error) {
	ln, err := ListenReusable(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listening on https port %d: %w", port, err)
	}
	ln = WrapKeepAlive(ln)
	return tls.NewListener(ln, s.TLSConfig()), nil
}

func hostOnly(host string) string {
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		return host[:idx]
	}
	return host
}

// gzipResponseWriter wraps next with gzip compression when the client
// advertises support for it, at the same compression level the original
// downstream compression module used.
func gzipResponseWriter(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request)) {
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		next(w, r)
		return
	}

	gz, err := gzip.NewWriterLevel(w, compressionLevel)
	if err != nil {
		next(w, r)
		return
	}
	defer gz.Close()

	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Del("Content-Length")
	next(&gzipWriter{ResponseWriter: w, gz: gz}, r)
}

type gzipWriter struct {
	http.ResponseWriter
	gz *gzip.Writer
}

func (g *gzipWriter) Write(b []byte) (int, error) {
	return g.gz.Write(b)
}
