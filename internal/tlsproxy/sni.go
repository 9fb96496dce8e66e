// Package tlsproxy implements the TLS-terminating reverse proxy: SNI
// based certificate selection at the handshake, and the HTTP transport
// that forwards requests to each hostname's upstream.
package tlsproxy

import (
	"crypto/tls"
	"strings"

	"go.uber.org/zap"

	"github.com/mikesi/mproxy/internal/certstore"
	"github.com/mikesi/mproxy/internal/metrics"
	"github.com/mikesi/mproxy/internal/mlog"
)

// GetCertificate builds a tls.Config.GetCertificate callback backed by
// store. Hostnames are looked up case-insensitively; any failure to find
// or parse a certificate aborts only this one handshake (returning an
// error), never the listener.
func GetCertificate(store *certstore.Store) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		serverName := strings.ToLower(hello.ServerName)
		if serverName == "" {
			mlog.Log().Error("no SNI server name in TLS handshake")
			metrics.HandshakeFailures.WithLabelValues("no_sni").Inc()
			return nil, errNoServerName
		}

		record := store.Get(serverName)
		if record == nil {
			mlog.Log().Error("no certificate for host", zap.String("host", serverName))
			metrics.HandshakeFailures.WithLabelValues("unknown_host").Inc()
			return nil, errNoCertificate
		}

		cert, err := buildTLSCertificate(record)
		if err != nil {
			metrics.HandshakeFailures.WithLabelValues("unserveable").Inc()
		}
		return cert, err
	}
}

func buildTLSCertificate(record *certstore.Record) (*tls.Certificate, error) {
	if record.FullChain == "" {
		mlog.Log().Error("no full chain for host", zap.String("host", record.HostName))
		return nil, errNoCertificate
	}
	if record.PrivateKeyPEM == "" {
		mlog.Log().Error("no private key for host", zap.String("host", record.HostName))
		return nil, errNoCertificate
	}

	chainPEM := []byte(record.FullChain)
	if inter, ok := record.IntermediatePEM(); ok {
		// The intermediate is extracted from FullChain itself, so this
		// check finds it already present and chainPEM stays FullChain
		// unchanged. A leaf-only FullChain has no intermediate at all.
		if !strings.Contains(record.FullChain, string(inter)) {
			chainPEM = append(chainPEM, '\n')
			chainPEM = append(chainPEM, inter...)
		}
	}

	cert, err := tls.X509KeyPair(chainPEM, []byte(record.PrivateKeyPEM))
	if err != nil {
		mlog.Log().Error("loading certificate",
			zap.String("host", record.HostName), zap.Error(err))
		return nil, err
	}
	return &cert, nil
}
