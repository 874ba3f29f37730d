/*
Package datastore is satchel's top-level facade: Manager owns a root
directory and hands out named Datastore handles, each one composing the
kvp/blob/revision/attachment/changefeed/query/conflict/replicator
packages into a single coherent document store.

Grounded on cuemby-warren/pkg/manager.Manager: a constructor that builds
a data directory and wires every subsystem handle into one struct, with
a single Close tearing them all down in reverse order.
*/
package datastore

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/satchel/pkg/ferrors"
)

// Manager owns a root directory under which every named Datastore gets
// its own subdirectory, and caches open handles so repeated lookups of
// the same name return the same *Datastore.
type Manager struct {
	rootDir string

	mu   sync.Mutex
	open map[string]*Datastore
}

// NewManager builds a Manager rooted at rootDir, creating it if absent.
func NewManager(rootDir string) (*Manager, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, ferrors.Wrap(ferrors.DomainDatastore, ferrors.KindConfiguration, "RootDirUnavailable",
			"failed to create datastore root directory", err)
	}
	return &Manager{rootDir: rootDir, open: make(map[string]*Datastore)}, nil
}

// Datastore returns the named datastore, opening it (and running its
// schema migrations) on first access.
func (m *Manager) Datastore(name string) (*Datastore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ds, ok := m.open[name]; ok {
		return ds, nil
	}
	dir := filepath.Join(m.rootDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ferrors.Wrap(ferrors.DomainDatastore, ferrors.KindConfiguration, "DatastoreDirUnavailable",
			"failed to create datastore directory for "+name, err)
	}

	ds, err := open(name, dir, DefaultRevisionLimit)
	if err != nil {
		return nil, err
	}
	m.open[name] = ds
	return ds, nil
}

// Close shuts down every open datastore, returning the first error
// encountered (after attempting to close the rest).
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var first error
	for name, ds := range m.open {
		if err := ds.Close(); err != nil && first == nil {
			first = err
		}
		delete(m.open, name)
	}
	return first
}
