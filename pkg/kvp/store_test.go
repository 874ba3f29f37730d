package kvp

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, migrations []Migration) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"), migrations)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenAppliesMigrationsInOrder(t *testing.T) {
	var order []int
	migrations := []Migration{
		{Version: 1, Apply: func(tx *Tx) error {
			order = append(order, 1)
			_, err := tx.CreateBucketIfNotExists([]byte("widgets"))
			return err
		}},
		{Version: 2, Apply: func(tx *Tx) error {
			order = append(order, 2)
			return nil
		}},
	}

	s := openTestStore(t, migrations)

	v, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, []int{1, 2}, order)
}

func TestOpenSkipsAlreadyAppliedMigrations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	runs := 0
	mk := func() []Migration {
		return []Migration{
			{Version: 1, Apply: func(tx *Tx) error { runs++; return nil }},
		}
	}

	s1, err := Open(path, mk())
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path, mk())
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, 1, runs, "migration should not reapply once its version is recorded")
}

func TestRunWriteRollsBackOnError(t *testing.T) {
	s := openTestStore(t, nil)

	err := s.RunWrite(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("widgets"))
		require.NoError(t, err)
		require.NoError(t, b.Put([]byte("a"), []byte("1")))
		return assert.AnError
	})
	assert.Error(t, err)

	_ = s.RunRead(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		if b != nil {
			assert.Nil(t, b.Get([]byte("a")))
		}
		return nil
	})
}

func TestRunReadSeesCommittedWrites(t *testing.T) {
	s := openTestStore(t, nil)

	require.NoError(t, s.RunWrite(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("a"), []byte("1"))
	}))

	require.NoError(t, s.RunRead(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.NotNil(t, b)
		assert.Equal(t, []byte("1"), b.Get([]byte("a")))
		return nil
	}))
}
