// Package metrics exposes the process's prometheus counters: certificates
// issued/renewed, failed ACME requests, proxied requests, and handshake
// failures. A single package-level registry is used so every subsystem
// that records metrics (acmeclient, tlsproxy) can record against it
// without passing a registry instance through every constructor.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CertificatesIssued counts successful ACME orders, labeled by host.
	CertificatesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mproxy",
		Subsystem: "acme",
		Name:      "certificates_issued_total",
		Help:      "Number of certificates successfully issued or renewed via ACME.",
	}, []string{"host"})

	// CertificateRequestFailures counts failed ACME orders, labeled by
	// host and the phase of the state machine that failed.
	CertificateRequestFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mproxy",
		Subsystem: "acme",
		Name:      "certificate_request_failures_total",
		Help:      "Number of ACME order attempts that failed, by phase.",
	}, []string{"host", "phase"})

	// HandshakeFailures counts TLS handshakes aborted in the SNI callback,
	// labeled by reason (no_sni, unknown_host, unserveable).
	HandshakeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mproxy",
		Subsystem: "tls",
		Name:      "handshake_failures_total",
		Help:      "Number of TLS handshakes aborted before a certificate was served.",
	}, []string{"reason"})

	// ProxiedRequests counts requests forwarded to an upstream, labeled by
	// host, sanitized method, and sanitized status code.
	ProxiedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mproxy",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Number of requests forwarded to an upstream.",
	}, []string{"host", "method", "code"})
)

// SanitizeCode collapses an HTTP status into a metric-safe label,
// matching the "don't let arbitrary upstream codes blow up cardinality"
// discipline SanitizeMethod below applies to methods.
func SanitizeCode(s int) string {
	switch {
	case s == 0:
		return "200"
	case s < 100 || s > 599:
		return "other"
	default:
		return strconv.Itoa(s)
	}
}

// Only support the list of "regular" HTTP methods, see
// https://developer.mozilla.org/en-US/docs/Web/HTTP/Methods
var methodMap = map[string]string{
	"GET": http.MethodGet, "get": http.MethodGet,
	"HEAD": http.MethodHead, "head": http.MethodHead,
	"PUT": http.MethodPut, "put": http.MethodPut,
	"POST": http.MethodPost, "post": http.MethodPost,
	"DELETE": http.MethodDelete, "delete": http.MethodDelete,
	"CONNECT": http.MethodConnect, "connect": http.MethodConnect,
	"OPTIONS": http.MethodOptions, "options": http.MethodOptions,
	"TRACE": http.MethodTrace, "trace": http.MethodTrace,
	"PATCH": http.MethodPatch, "patch": http.MethodPatch,
}

// SanitizeMethod sanitizes the method for use as a metric label. This helps
// prevent high cardinality on the method label. The name is always upper case.
func SanitizeMethod(m string) string {
	if m, ok := methodMap[m]; ok {
		return m
	}

	return "OTHER"
}

// Handler returns the HTTP handler that serves the process's registered
// metrics in the Prometheus exposition format, for mounting on the
// plaintext or an operator-only listener.
func Handler() http.Handler {
	return promhttp.Handler()
}
