package certstore

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mikesi/mproxy/internal/hostconfig"
	"github.com/mikesi/mproxy/internal/mlog"
)

// Store is a concurrent, copy-on-write map from hostname (including
// aliases) to the certificate record currently serving it. Reads (the TLS
// handshake hot path) never block on writes (ACME renewal, config
// reload); every write builds a new map and atomically swaps the pointer.
type Store struct {
	certPath string

	m        atomic.Pointer[map[string]*Record]
	writeMu  sync.Mutex // serializes writers; readers are lock-free
}

// New creates an empty store rooted at certPath, the directory under
// which each hostname gets its own subdirectory containing cert.json.
func New(certPath string) *Store {
	s := &Store{certPath: certPath}
	empty := map[string]*Record{}
	s.m.Store(&empty)
	return s
}

// recordPath returns the on-disk path of hostName's persisted record.
// The original implementation joined certPath onto itself a second time
// here, which produced a path one directory too deep for every lookup
// except the one call site that built the path independently; this
// store only ever does it the one, correct way.
func (s *Store) recordPath(hostName string) string {
	return filepath.Join(s.certPath, hostName, "cert.json")
}

// Get returns the record currently bound to serverName, or nil if none.
func (s *Store) Get(serverName string) *Record {
	m := *s.m.Load()
	return m[serverName]
}

// Hostnames returns every key currently bound in the store, including
// aliases.
func (s *Store) Hostnames() []string {
	m := *s.m.Load()
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Install publishes record under hostName and every alias in aliases,
// replacing whatever was there before. All names become visible to
// readers atomically: a handshake never observes record bound to the
// primary name but not yet to an alias (or vice versa).
func (s *Store) Install(hostName string, aliases []string, record *Record) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old := *s.m.Load()
	next := make(map[string]*Record, len(old)+1+len(aliases))
	for k, v := range old {
		next[k] = v
	}

	s.insertWithCollisionLog(next, hostName, hostName, record)
	for _, alias := range aliases {
		s.insertWithCollisionLog(next, alias, hostName, record)
	}
	s.m.Store(&next)
}

// LoadFromHostConfigs reads the persisted record for every configured
// host (and binds its aliases), replacing the store's contents in one
// atomic swap so readers never see a partially populated map. A host
// with no cert.json on disk yet still gets an entry: an unserveable
// placeholder record carrying only the routing config, so the host is
// observable before its first certificate exists; TLS handshakes for it
// are refused until then.
func (s *Store) LoadFromHostConfigs(list hostconfig.HostConfigList) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := make(map[string]*Record, len(list.HostConfigs)*2)
	for _, hc := range list.HostConfigs {
		record, err := FromPersisted(s.recordPath(hc.HostName))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				mlog.Log().Warn("loading certificate record",
					zap.String("host", hc.HostName), zap.Error(err))
			}
			record = NewRecord(hc.HostName)
		}
		hc := hc
		record.SetRouting(&hc)
		record.SetAliases(hc.Aliases)

		s.insertWithCollisionLog(next, hc.HostName, hc.HostName, record)
		for _, alias := range hc.Aliases {
			s.insertWithCollisionLog(next, alias, hc.HostName, record)
		}
	}
	s.m.Store(&next)
}

// insertWithCollisionLog binds name to record in m, logging (but not
// refusing) a last-write-wins collision when name was already bound to a
// different record in m, naming both the previous and the new owner.
func (s *Store) insertWithCollisionLog(m map[string]*Record, name, owner string, record *Record) {
	if existing, ok := m[name]; ok && existing != record {
		mlog.Log().Warn("alias collision, last write wins",
			zap.String("alias", name), zap.String("previous_owner", existing.HostName),
			zap.String("new_owner", owner))
	}
	m[name] = record
}

// Save persists record to disk under hostName.
func (s *Store) Save(hostName string, record *Record) error {
	return record.ToPersisted(s.recordPath(hostName))
}
