package certstore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mikesi/mproxy/internal/hostconfig"
)

func TestStoreInstallAndGet(t *testing.T) {
	s := New(t.TempDir())
	r := NewRecord("example.com")
	s.Install("example.com", []string{"www.example.com"}, r)

	require.Same(t, r, s.Get("example.com"))
	require.Same(t, r, s.Get("www.example.com"))
	require.Nil(t, s.Get("nope.example.com"))
}

func TestStoreRecordPathSinglePrefix(t *testing.T) {
	s := New("/var/lib/mproxy/certs")
	require.Equal(t, "/var/lib/mproxy/certs/example.com/cert.json", s.recordPath("example.com"))
}

func TestStoreLoadFromHostConfigsAtomicSwap(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	writeRecord(t, root, "a.example.com", NewRecord("a.example.com"))
	writeRecord(t, root, "b.example.com", NewRecord("b.example.com"))

	list := hostconfig.HostConfigList{
		HostConfigs: []hostconfig.HostConfig{
			{HostName: "a.example.com", UpstreamAddress: "127.0.0.1:9001"},
			{HostName: "b.example.com", Aliases: []string{"alt.example.com"}, UpstreamAddress: "127.0.0.1:9002"},
		},
	}
	s.LoadFromHostConfigs(list)

	require.NotNil(t, s.Get("a.example.com"))
	require.NotNil(t, s.Get("b.example.com"))
	require.NotNil(t, s.Get("alt.example.com"))
	require.Equal(t, "127.0.0.1:9001", s.Get("a.example.com").UpstreamAddress)
}

func TestStoreInstallConcurrentReadersNeverBlock(t *testing.T) {
	s := New(t.TempDir())
	s.Install("example.com", nil, NewRecord("example.com"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NotNil(t, s.Get("example.com"))
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.Install("example.com", nil, NewRecord("example.com"))
		}(i)
	}
	wg.Wait()
}

func writeRecord(t *testing.T, root, host string, r *Record) {
	t.Helper()
	path := filepath.Join(root, host, "cert.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, r.ToPersisted(path))
}
