/*
Package kvp provides satchel's serialized transactional persistence layer.

It wraps a single bbolt file the way cuemby-warren's pkg/storage wraps
warren.db, but generalizes the bucket-per-entity pattern into a generic
RunRead/RunWrite transaction API: every other satchel package (revision,
attachment, changefeed, query, blob's encrypted-mode index) opens its own
buckets inside a shared Store rather than each owning a separate bbolt.DB.

bbolt already serializes writers and lets readers run concurrently against
an MVCC snapshot, which is exactly the "at most one writer, free concurrent
readers" contract spec.md asks of the KVP layer.
*/
package kvp

import (
	"fmt"

	"github.com/cuemby/satchel/pkg/ferrors"
	bolt "go.etcd.io/bbolt"
)

// Tx is the transaction handle passed into RunRead/RunWrite callbacks.
type Tx struct {
	bolt *bolt.Tx
}

// Bucket returns an existing top-level bucket, or nil if it doesn't exist.
func (t *Tx) Bucket(name []byte) *bolt.Bucket {
	return t.bolt.Bucket(name)
}

// CreateBucketIfNotExists creates (or returns) a top-level bucket. Only
// valid inside a write transaction.
func (t *Tx) CreateBucketIfNotExists(name []byte) (*bolt.Bucket, error) {
	return t.bolt.CreateBucketIfNotExists(name)
}

// Writable reports whether this transaction may mutate buckets.
func (t *Tx) Writable() bool { return t.bolt.Writable() }

// Store is a single-writer, concurrent-reader embedded database file.
type Store struct {
	db   *bolt.DB
	path string
}

// Migration is one idempotent step applied while upgrading the schema to
// a target user-version. Steps run in ascending Version order inside a
// single write transaction; a failure rolls the whole transaction back.
type Migration struct {
	Version int
	Apply   func(*Tx) error
}

const schemaBucket = "_schema"
const schemaVersionKey = "version"

// Open opens (creating if necessary) the database file at path and brings
// its schema up to the highest Version in migrations. Migrations must be
// supplied in ascending Version order.
func Open(path string, migrations []Migration) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DomainKVP, ferrors.KindCorruption, "OpenFailed",
			fmt.Sprintf("failed to open kvp file %s", path), err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(migrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(migrations []Migration) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		b, err := btx.CreateBucketIfNotExists([]byte(schemaBucket))
		if err != nil {
			return err
		}

		current := 0
		if raw := b.Get([]byte(schemaVersionKey)); raw != nil {
			current = decodeVersion(raw)
		}

		tx := &Tx{bolt: btx}
		for _, m := range migrations {
			if m.Version <= current {
				continue
			}
			if err := m.Apply(tx); err != nil {
				return ferrors.Wrap(ferrors.DomainKVP, ferrors.KindCorruption, "SchemaError",
					fmt.Sprintf("migration to version %d failed", m.Version), err)
			}
			current = m.Version
		}

		return b.Put([]byte(schemaVersionKey), encodeVersion(current))
	})
}

func encodeVersion(v int) []byte {
	return []byte(fmt.Sprintf("%d", v))
}

func decodeVersion(b []byte) int {
	var v int
	_, _ = fmt.Sscanf(string(b), "%d", &v)
	return v
}

// RunRead runs fn inside a read-only transaction. Multiple readers may run
// concurrently against a consistent snapshot.
func (s *Store) RunRead(fn func(*Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{bolt: btx})
	})
}

// RunWrite runs fn inside the single exclusive write transaction. Only one
// RunWrite may be in flight at a time; it blocks until prior writers and
// commits, or fully rolls back, as one unit.
func (s *Store) RunWrite(fn func(*Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{bolt: btx})
	})
}

// SchemaVersion returns the currently-applied schema version.
func (s *Store) SchemaVersion() (int, error) {
	var v int
	err := s.RunRead(func(tx *Tx) error {
		b := tx.Bucket([]byte(schemaBucket))
		if b == nil {
			return nil
		}
		v = decodeVersion(b.Get([]byte(schemaVersionKey)))
		return nil
	})
	return v, err
}

// Path returns the filesystem path of the underlying database file.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}
