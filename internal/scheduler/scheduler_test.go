package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mikesi/mproxy/internal/acmeclient"
	"github.com/mikesi/mproxy/internal/certstore"
	"github.com/mikesi/mproxy/internal/hostconfig"
)

func writeHostsFile(t *testing.T, dir string, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "hosts.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestTickInstallsNewlyConfiguredHost(t *testing.T) {
	dir := t.TempDir()
	path := writeHostsFile(t, dir, `
[[host_configs]]
host_name = "a.example.com"
upstream_address = "127.0.0.1:9001"
`)
	loader, err := hostconfig.New(path)
	require.NoError(t, err)

	store := certstore.New(filepath.Join(dir, "certs"))
	acme := acmeclient.New(acmeclient.Config{Store: store})
	s := New(loader, store, acme, time.Minute)

	s.tick(context.Background())

	require.NotNil(t, store.Get("a.example.com"))
}

func TestTickSkipsAutoRenewWithinTheHour(t *testing.T) {
	dir := t.TempDir()
	path := writeHostsFile(t, dir, "")
	loader, err := hostconfig.New(path)
	require.NoError(t, err)

	store := certstore.New(dir)
	acme := acmeclient.New(acmeclient.Config{Store: store})
	s := New(loader, store, acme, time.Minute)
	s.lastRenewal = time.Now()

	before := s.lastRenewal
	s.tick(context.Background())
	require.Equal(t, before, s.lastRenewal)
}
