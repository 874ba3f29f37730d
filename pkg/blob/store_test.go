package blob

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/cuemby/satchel/pkg/ferrors"
	"github.com/cuemby/satchel/pkg/kvp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, keys KeyProvider) *Store {
	t.Helper()
	dir := t.TempDir()
	kv, err := kvp.Open(filepath.Join(dir, "index.db"), []kvp.Migration{{Version: 1, Apply: EnsureSchema}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	s, err := Open(filepath.Join(dir, "blobs"), kv, keys)
	require.NoError(t, err)
	return s
}

func TestPutOpenRoundTrip(t *testing.T) {
	s := openTestStore(t, nil)

	content := []byte("the quick brown fox jumps over the lazy dog")
	info, err := s.Put(bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), info.Length)

	r, err := s.Open(info.Key)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestPutDeduplicatesIdenticalContent(t *testing.T) {
	s := openTestStore(t, nil)

	content := []byte("duplicate me")
	info1, err := s.Put(bytes.NewReader(content))
	require.NoError(t, err)
	info2, err := s.Put(bytes.NewReader(content))
	require.NoError(t, err)

	assert.Equal(t, info1.Key, info2.Key)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "identical content must be stored once")
}

func TestOpenMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t, nil)

	var key Key
	_, err := s.Open(key)
	require.Error(t, err)
	assert.True(t, ferrors.IsNotFound(err), "a missing blob must be reported as NotFound")
}

func TestGCRemovesUnreferencedBlobs(t *testing.T) {
	s := openTestStore(t, nil)

	keep, err := s.Put(bytes.NewReader([]byte("keep me")))
	require.NoError(t, err)
	drop, err := s.Put(bytes.NewReader([]byte("drop me")))
	require.NoError(t, err)

	err = s.GC(map[Key]struct{}{keep.Key: {}})
	require.NoError(t, err)

	_, err = s.Open(keep.Key)
	assert.NoError(t, err, "GC must never remove a kept blob")

	_, err = s.Open(drop.Key)
	assert.Error(t, err, "GC must remove blobs outside the keep set")
}

func TestEncryptedStoreRoundTrip(t *testing.T) {
	key := make(StaticKey, 32)
	for i := range key {
		key[i] = byte(i)
	}
	s := openTestStore(t, key)

	content := []byte("this plaintext must never appear verbatim on disk")
	info, err := s.Put(bytes.NewReader(content))
	require.NoError(t, err)

	r, err := s.Open(info.Key)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestEncryptedFilenamesAreNotContentAddressed(t *testing.T) {
	key := make(StaticKey, 32)
	s := openTestStore(t, key)

	info, err := s.Put(bytes.NewReader([]byte("secret payload")))
	require.NoError(t, err)

	name, err := s.filename(info.Key)
	require.NoError(t, err)
	assert.NotEqual(t, filepath.Base(name), info.Key.String(),
		"encrypted mode must not name files after their plaintext digest")
}

func TestCancelDiscardsUpload(t *testing.T) {
	s := openTestStore(t, nil)

	w, err := s.Writer()
	require.NoError(t, err)
	_, err = w.Write([]byte("never committed"))
	require.NoError(t, err)
	require.NoError(t, w.Cancel())

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
