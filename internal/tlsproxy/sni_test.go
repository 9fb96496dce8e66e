package tlsproxy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mikesi/mproxy/internal/certstore"
)

func selfSignedRecord(t *testing.T, host string) *certstore.Record {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{host},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	r := certstore.NewRecord(host)
	r.FullChain = string(certPEM)
	r.CertificatePEM = string(certPEM)
	r.PrivateKeyPEM = string(keyPEM)
	return r
}

func TestGetCertificateFoundHost(t *testing.T) {
	store := certstore.New(t.TempDir())
	record := selfSignedRecord(t, "example.com")
	store.Install("example.com", nil, record)

	cb := GetCertificate(store)
	cert, err := cb(&tls.ClientHelloInfo{ServerName: "Example.com"})
	require.NoError(t, err)
	require.NotNil(t, cert)
}

func TestGetCertificateUnknownHost(t *testing.T) {
	store := certstore.New(t.TempDir())
	cb := GetCertificate(store)

	_, err := cb(&tls.ClientHelloInfo{ServerName: "nope.example.com"})
	require.ErrorIs(t, err, errNoCertificate)
}

func TestGetCertificateNoServerName(t *testing.T) {
	store := certstore.New(t.TempDir())
	cb := GetCertificate(store)

	_, err := cb(&tls.ClientHelloInfo{ServerName: ""})
	require.ErrorIs(t, err, errNoServerName)
}
