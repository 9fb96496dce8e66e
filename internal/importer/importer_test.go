package importer

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mikesi/mproxy/internal/certstore"
)

func writeCertbotDir(t *testing.T, root, host string, notAfter time.Time) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		DNSNames:     []string{host, "www." + host},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	dir := filepath.Join(root, "live", host)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cert.pem"), certPEM, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "privkey.pem"), keyPEM, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fullchain.pem"), certPEM, 0o644))
}

func TestImportInstallsNewRecord(t *testing.T) {
	inputDir := t.TempDir()
	certPath := t.TempDir()
	writeCertbotDir(t, inputDir, "example.com", time.Now().Add(90*24*time.Hour))

	results, err := Import(inputDir, certPath)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Imported)
	require.Equal(t, "example.com", results[0].HostName)

	record, err := Find(certPath, "example.com")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"www.example.com"}, record.HostNames)
}

func TestImportDoesNotRegressNewerExistingRecord(t *testing.T) {
	inputDir := t.TempDir()
	certPath := t.TempDir()

	writeCertbotDir(t, inputDir, "example.com", time.Now().Add(10*24*time.Hour))

	// Seed an existing on-disk record that expires further in the future
	// than the one about to be imported.
	newerKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(200 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &newerKey.PublicKey, newerKey)
	require.NoError(t, err)
	newerPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	newerRecord := certstore.FromBundle("example.com", nil, "key", newerPEM, newerPEM)
	require.NoError(t, newerRecord.ToPersisted(filepath.Join(certPath, "example.com", "cert.json")))

	results, err := Import(inputDir, certPath)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Imported)
}

func TestExportWritesPEMBlobs(t *testing.T) {
	record := certstore.FromBundle("example.com", []string{"www.example.com"}, "KEYDATA", "CERTDATA", "CHAINDATA")
	var buf bytes.Buffer
	Export(&buf, record)

	out := buf.String()
	require.Contains(t, out, "example.com")
	require.Contains(t, out, "www.example.com")
	require.Contains(t, out, "CERTDATA")
	require.Contains(t, out, "CHAINDATA")
	require.Contains(t, out, "KEYDATA")
}
