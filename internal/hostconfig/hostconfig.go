// Package hostconfig loads and hot-refreshes the TOML file that maps
// hostnames to upstream addresses.
package hostconfig

import (
	"fmt"
	"os"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/mikesi/mproxy/internal/mlog"
	"go.uber.org/zap"
)

// HostConfig describes one routed hostname and its upstream.
type HostConfig struct {
	HostName        string   `toml:"host_name" json:"host_name"`
	Aliases         []string `toml:"aliases" json:"aliases,omitempty"`
	UpstreamAddress string   `toml:"upstream_address" json:"upstream_address"`
}

// HostConfigList is the top-level shape of hosts.toml.
type HostConfigList struct {
	HostConfigs []HostConfig `toml:"host_configs"`
}

// Loader holds the current parsed host list behind a mutex and knows how
// to reload it from disk.
type Loader struct {
	path string

	mu   sync.Mutex
	list HostConfigList
}

// New reads path once and returns an error if it cannot be read or
// parsed; the run command's startup path treats that as fatal.
func New(path string) (*Loader, error) {
	list, err := loadConfigList(path)
	if err != nil {
		return nil, err
	}
	return &Loader{path: path, list: list}, nil
}

func loadConfigList(path string) (HostConfigList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return HostConfigList{}, fmt.Errorf("reading hosts config %q: %w", path, err)
	}
	var list HostConfigList
	if _, err := toml.Decode(string(data), &list); err != nil {
		return HostConfigList{}, fmt.Errorf("parsing hosts config %q: %w", path, err)
	}
	return list, nil
}

// Refresh reloads the host list from disk. A parse or read failure leaves
// the previously loaded list in place and is logged, not propagated, so a
// transient edit of hosts.toml can't take the proxy down.
func (l *Loader) Refresh() {
	list, err := loadConfigList(l.path)
	if err != nil {
		mlog.Log().Error("refreshing hosts config", zap.String("path", l.path), zap.Error(err))
		return
	}
	l.mu.Lock()
	l.list = list
	l.mu.Unlock()
}

// Load returns a deep copy of the currently loaded host list.
func (l *Loader) Load() HostConfigList {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := HostConfigList{HostConfigs: make([]HostConfig, len(l.list.HostConfigs))}
	copy(out.HostConfigs, l.list.HostConfigs)
	for i := range out.HostConfigs {
		out.HostConfigs[i].Aliases = append([]string(nil), out.HostConfigs[i].Aliases...)
	}
	return out
}
