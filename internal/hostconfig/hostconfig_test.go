package hostconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeHosts(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "hosts.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoaderLoad(t *testing.T) {
	path := writeHosts(t, t.TempDir(), `
[[host_configs]]
host_name = "example.com"
aliases = ["www.example.com"]
upstream_address = "127.0.0.1:8080"
`)

	l, err := New(path)
	require.NoError(t, err)

	list := l.Load()
	require.Len(t, list.HostConfigs, 1)
	require.Equal(t, "example.com", list.HostConfigs[0].HostName)
	require.Equal(t, []string{"www.example.com"}, list.HostConfigs[0].Aliases)
	require.Equal(t, "127.0.0.1:8080", list.HostConfigs[0].UpstreamAddress)
}

func TestLoaderRefreshKeepsOldOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeHosts(t, dir, `
[[host_configs]]
host_name = "a.example.com"
upstream_address = "127.0.0.1:9001"
`)
	l, err := New(path)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	l.Refresh()

	list := l.Load()
	require.Len(t, list.HostConfigs, 1)
	require.Equal(t, "a.example.com", list.HostConfigs[0].HostName)
}

func TestLoaderRefreshPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeHosts(t, dir, `
[[host_configs]]
host_name = "a.example.com"
upstream_address = "127.0.0.1:9001"
`)
	l, err := New(path)
	require.NoError(t, err)

	writeHosts(t, dir, `
[[host_configs]]
host_name = "a.example.com"
upstream_address = "127.0.0.1:9001"

[[host_configs]]
host_name = "b.example.com"
upstream_address = "127.0.0.1:9002"
`)
	l.Refresh()

	list := l.Load()
	require.Len(t, list.HostConfigs, 2)
}
