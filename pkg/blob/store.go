/*
Package blob implements satchel's content-addressed blob store.

Every attachment body is written once under a key derived from the
SHA-1 digest of its plaintext content (spec.md §4.2); writing the same
bytes twice reuses the existing file. Layout and the create-temp-then-
rename write path are grounded on cuemby-warren's pkg/volume.LocalDriver,
generalized from one directory per named volume to a two-level hex
fan-out (ab/abcd...) so a store holding millions of attachments never
puts millions of entries in one directory.

Encryption is optional and supplied by a KeyProvider (encryption.go);
when absent, blobs are plain files named by their hex key. When present,
content is sealed AES-256-GCM in fixed-size chunks (encryption.go) so an
attachment of any length can be streamed without buffering the whole
plaintext, on-disk filenames become random tokens, and the
digest-to-filename mapping lives in a kvp bucket so the filesystem
itself reveals nothing.
*/
package blob

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/cuemby/satchel/pkg/ferrors"
	"github.com/cuemby/satchel/pkg/kvp"
	"github.com/cuemby/satchel/pkg/metrics"
)

const indexBucket = "blob_index"

// Store is a filesystem-backed, content-addressed blob store with
// optional transparent encryption at rest.
type Store struct {
	root string
	kv   *kvp.Store
	keys KeyProvider
}

// EnsureSchema creates the blob_index bucket used in encrypted mode.
// Hosts fold this into their own ordered migration list (kvp assigns one
// global schema version, so callers pick the Version this step runs at)
// rather than this package pinning its own.
func EnsureSchema(tx *kvp.Tx) error {
	_, err := tx.CreateBucketIfNotExists([]byte(indexBucket))
	return err
}

// Open prepares a blob store rooted at dir, backed by kv for the
// encrypted-mode digest index. keys may be nil, which is equivalent to
// NoEncryption{}.
func Open(dir string, kv *kvp.Store, keys KeyProvider) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, ferrors.Wrap(ferrors.DomainBlob, ferrors.KindConfiguration, "RootUnavailable",
			fmt.Sprintf("failed to create blob root %s", dir), err)
	}
	if keys == nil {
		keys = NoEncryption{}
	}
	return &Store{root: dir, kv: kv, keys: keys}, nil
}

func shardPath(root string, name string) string {
	if len(name) < 2 {
		return filepath.Join(root, name)
	}
	return filepath.Join(root, name[:2], name)
}

// Writer accumulates a blob's content, computing its digests, and
// commits it to the store atomically on Finish.
type Writer struct {
	store     *Store
	tmp       *os.File
	tmpPath   string
	sha1h     hash.Hash
	sha256h   hash.Hash
	md5h      hash.Hash
	dest      io.Writer
	encCloser io.Closer // non-nil in encrypted mode, flushes the final GCM chunk
	length    int64
	key       []byte // encryption key, nil if plaintext mode
	done      bool
}

// Writer opens a new streaming write. Callers must call Finish or Cancel
// exactly once.
func (s *Store) Writer() (*Writer, error) {
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(s.root, "upload-*.tmp")
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DomainBlob, ferrors.KindConfiguration, "TempFileFailed", "failed to create temp upload file", err)
	}

	key, err := s.keys.EncryptionKey()
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, ferrors.Wrap(ferrors.DomainBlob, ferrors.KindConfiguration, "KeyUnavailable", "failed to obtain encryption key", err)
	}

	w := &Writer{
		store:   s,
		tmp:     tmp,
		tmpPath: tmp.Name(),
		sha1h:   sha1.New(),
		sha256h: sha256.New(),
		md5h:    md5.New(),
		key:     key,
	}

	digestSink := io.MultiWriter(w.sha1h, w.sha256h, w.md5h)
	if len(key) > 0 {
		enc, err := newEncryptWriter(key, tmp)
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(w.tmpPath)
			return nil, err
		}
		w.dest = io.MultiWriter(enc, digestSink)
		w.encCloser = enc
	} else {
		w.dest = io.MultiWriter(tmp, digestSink)
	}

	return w, nil
}

// Write implements io.Writer, hashing and (if enabled) encrypting as it
// streams to the temp file.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.dest.Write(p)
	w.length += int64(n)
	return n, err
}

// Cancel discards the in-progress upload. Safe to call after Finish.
func (w *Writer) Cancel() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.tmp.Close()
	return os.Remove(w.tmpPath)
}

// Finish commits the written content to the store, deduplicating against
// any existing blob with the same key, and returns the blob's Info.
func (w *Writer) Finish() (Info, error) {
	if w.done {
		return Info{}, ferrors.New(ferrors.DomainBlob, ferrors.KindConfiguration, "WriterClosed", "writer already finished or cancelled")
	}
	w.done = true

	if w.encCloser != nil {
		if err := w.encCloser.Close(); err != nil {
			_ = w.tmp.Close()
			_ = os.Remove(w.tmpPath)
			return Info{}, err
		}
	}

	if err := w.tmp.Sync(); err != nil {
		_ = w.tmp.Close()
		_ = os.Remove(w.tmpPath)
		return Info{}, err
	}
	stat, statErr := w.tmp.Stat()
	if err := w.tmp.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return Info{}, err
	}

	var key Key
	copy(key[:], w.sha1h.Sum(nil))
	info := Info{Length: w.length, EncryptedLen: w.length}
	if statErr == nil {
		info.EncryptedLen = stat.Size()
	}
	copy(info.SHA256[:], w.sha256h.Sum(nil))
	copy(info.MD5[:], w.md5h.Sum(nil))
	info.Key = key

	target, err := w.store.filename(key)
	if err != nil {
		_ = os.Remove(w.tmpPath)
		return Info{}, err
	}

	if _, err := os.Stat(target); err == nil {
		// identical content already stored; drop the duplicate upload.
		_ = os.Remove(w.tmpPath)
		return info, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		_ = os.Remove(w.tmpPath)
		return Info{}, err
	}
	if err := os.Rename(w.tmpPath, target); err != nil {
		_ = os.Remove(w.tmpPath)
		return Info{}, ferrors.Wrap(ferrors.DomainBlob, ferrors.KindConfiguration, "CommitFailed", "failed to commit blob file", err)
	}

	if len(w.key) > 0 {
		if err := w.store.recordFilename(key, filepath.Base(target)); err != nil {
			return Info{}, err
		}
	}

	metrics.BlobBytesWrittenTotal.Add(float64(w.length))
	return info, nil
}

// Put is the non-streaming convenience form of Writer/Write/Finish.
func (s *Store) Put(r io.Reader) (Info, error) {
	w, err := s.Writer()
	if err != nil {
		return Info{}, err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Cancel()
		return Info{}, err
	}
	return w.Finish()
}

// Open returns a reader over a previously stored blob's plaintext
// content. Callers must Close the returned reader.
func (s *Store) Open(key Key) (io.ReadCloser, error) {
	name, err := s.filename(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errMissing(key)
		}
		return nil, err
	}

	k, err := s.keys.EncryptionKey()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if len(k) == 0 {
		return f, nil
	}

	plain, err := newDecryptReader(k, f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &readCloser{Reader: plain, closer: f}, nil
}

type readCloser struct {
	io.Reader
	closer io.Closer
}

func (r *readCloser) Close() error { return r.closer.Close() }

// filename resolves key to its on-disk path. In plaintext mode this is
// deterministic (sharded hex key); in encrypted mode it is looked up
// from the blob_index bucket; when no row exists yet, a fresh random
// file name is generated and recorded in blob_index immediately.
func (s *Store) filename(key Key) (string, error) {
	k, err := s.keys.EncryptionKey()
	if err != nil {
		return "", err
	}
	if len(k) == 0 {
		return shardPath(s.root, key.String()), nil
	}

	var name string
	err = s.kv.RunRead(func(tx *kvp.Tx) error {
		b := tx.Bucket([]byte(indexBucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key.String())); v != nil {
			name = string(v)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if name == "" {
		name = randomToken()
		if err := s.recordFilename(key, name); err != nil {
			return "", err
		}
	}
	return shardPath(s.root, name), nil
}

func (s *Store) recordFilename(key Key, name string) error {
	return s.kv.RunWrite(func(tx *kvp.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(indexBucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key.String()), []byte(name))
	})
}

func randomToken() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// GC removes every stored blob whose key is not present in keep. It takes
// no lock against concurrent Writers, and it drops the matching blob_index
// rows in a KVP write transaction of its own.
func (s *Store) GC(keep map[Key]struct{}) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BlobGCDuration)

	var toForget [][]byte
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if filepath.Ext(path) == ".tmp" {
			return nil
		}

		key, name, ok, err := s.resolveStoredFile(path)
		if err != nil || !ok {
			return err
		}
		if _, keep := keep[key]; keep {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		if name != "" {
			toForget = append(toForget, []byte(key.String()))
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(toForget) == 0 {
		return nil
	}
	return s.kv.RunWrite(func(tx *kvp.Tx) error {
		b := tx.Bucket([]byte(indexBucket))
		if b == nil {
			return nil
		}
		for _, k := range toForget {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// resolveStoredFile maps an on-disk path back to the Key that refers to
// it, whether the store is in plaintext (filename == key) or encrypted
// (filename is a random token looked up in blob_index) mode.
func (s *Store) resolveStoredFile(path string) (Key, string, bool, error) {
	base := filepath.Base(path)
	if key, err := KeyFromHex(base); err == nil {
		return key, "", true, nil
	}

	var found Key
	var ok bool
	err := s.kv.RunRead(func(tx *kvp.Tx) error {
		b := tx.Bucket([]byte(indexBucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if string(v) == base {
				key, err := KeyFromHex(string(k))
				if err != nil {
					return nil
				}
				found = key
				ok = true
			}
			return nil
		})
	})
	return found, base, ok, err
}

// Count returns the number of distinct blobs currently on disk.
func (s *Store) Count() (int, error) {
	n := 0
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) != ".tmp" {
			n++
		}
		return nil
	})
	return n, err
}
