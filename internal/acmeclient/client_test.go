package acmeclient

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildCSRIncludesAllNames(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	der, err := buildCSR("example.com", []string{"www.example.com"}, key)
	require.NoError(t, err)

	csr, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	require.Equal(t, "example.com", csr.Subject.CommonName)
	require.ElementsMatch(t, []string{"example.com", "www.example.com"}, csr.DNSNames)
}

func TestFirstCertBlockReturnsLeaf(t *testing.T) {
	leaf := "-----BEGIN CERTIFICATE-----\nLEAF\n-----END CERTIFICATE-----\n"
	inter := "-----BEGIN CERTIFICATE-----\nINTER\n-----END CERTIFICATE-----\n"
	got := firstCertBlock(leaf + inter)
	require.Contains(t, got, "LEAF")
	require.NotContains(t, got, "INTER")
}

func TestPollUntilReturnsOnDone(t *testing.T) {
	calls := 0
	v, err := pollUntil(context.Background(), func() (int, bool, error) {
		calls++
		return calls, calls >= 3, nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, v)
}

func TestPollUntilPropagatesError(t *testing.T) {
	wantErr := errors.New("boom")
	_, err := pollUntil(context.Background(), func() (int, bool, error) {
		return 0, false, wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestPollUntilRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pollUntil(ctx, func() (int, bool, error) {
		return 0, false, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

