package tlsproxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mikesi/mproxy/internal/certstore"
)

func TestNewHostProxyRewritesHeaders(t *testing.T) {
	var gotCookie, gotProto, gotRealIP string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotProto = r.Header.Get("X-Forwarded-Proto")
		gotRealIP = r.Header.Get("X-Real-IP")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	record := certstore.NewRecord("example.com")
	record.UpstreamAddress = upstream.Listener.Addr().String()

	proxy := NewHostProxy(record, http.DefaultTransport)

	req := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	req.Header.Add("Cookie", "a=1")
	req.Header.Add("Cookie", "b=2")
	req.RemoteAddr = "203.0.113.7:54321"
	rec := httptest.NewRecorder()

	proxy.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "a=1; b=2", gotCookie)
	require.Equal(t, "https", gotProto)
	require.Equal(t, "203.0.113.7", gotRealIP)
}

func TestNewHostProxyStripsHopHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Proxy-Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	record := certstore.NewRecord("example.com")
	record.UpstreamAddress = upstream.Listener.Addr().String()
	proxy := NewHostProxy(record, http.DefaultTransport)

	req := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	req.Header.Set("Proxy-Authorization", "secret")
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
