package blob

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/cuemby/satchel/pkg/ferrors"
)

// KeyProvider is the capability satchel hosts implement to supply a
// per-store encryption key, grounded on cuemby-warren/pkg/security's
// AES-256-GCM secrets manager. Returning a nil or empty key disables
// encryption entirely (plaintext on-disk mode).
//
// This is a capability set rather than an interface hierarchy per
// spec.md's "Polymorphism" design note: a single-method contract that a
// host can satisfy with a closure, an OS keychain lookup, or a constant.
type KeyProvider interface {
	EncryptionKey() ([]byte, error)
}

// NoEncryption is a KeyProvider that always returns no key.
type NoEncryption struct{}

func (NoEncryption) EncryptionKey() ([]byte, error) { return nil, nil }

// StaticKey is a KeyProvider returning a fixed 32-byte AES-256 key.
type StaticKey []byte

func (k StaticKey) EncryptionKey() ([]byte, error) { return []byte(k), nil }

// chunkSize is the plaintext size sealed under one GCM nonce. Blobs
// stream in arbitrary write sizes; framing them into fixed chunks keeps
// the same AES-256-GCM construction the teacher uses for whole-buffer
// secrets usable for attachments of unbounded length.
const chunkSize = 64 * 1024

// gcmEncryptWriter seals plaintext in chunkSize frames, each AES-256-GCM
// sealed under a nonce derived from a random 4-byte base plus a
// monotonically increasing chunk counter, and writes each frame to w as
// a uint32 big-endian ciphertext length followed by the sealed bytes.
type gcmEncryptWriter struct {
	w       io.Writer
	aead    cipher.AEAD
	base    [4]byte
	counter uint32
	buf     []byte
}

func newEncryptWriter(key []byte, w io.Writer) (io.WriteCloser, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	var base [4]byte
	if _, err := io.ReadFull(rand.Reader, base[:]); err != nil {
		return nil, err
	}
	if _, err := w.Write(base[:]); err != nil {
		return nil, err
	}

	return &gcmEncryptWriter{w: w, aead: aead, base: base, buf: make([]byte, 0, chunkSize)}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DomainBlob, ferrors.KindConfiguration, "BadKey", "invalid AES key", err)
	}
	return cipher.NewGCM(block)
}

func (g *gcmEncryptWriter) nonce(counter uint32) []byte {
	n := make([]byte, 12)
	copy(n, g.base[:])
	binary.BigEndian.PutUint64(n[4:], uint64(counter))
	return n
}

func (g *gcmEncryptWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		room := chunkSize - len(g.buf)
		n := room
		if n > len(p) {
			n = len(p)
		}
		g.buf = append(g.buf, p[:n]...)
		p = p[n:]
		if len(g.buf) == chunkSize {
			if err := g.flushChunk(); err != nil {
				return 0, err
			}
		}
	}
	return total, nil
}

func (g *gcmEncryptWriter) flushChunk() error {
	sealed := g.aead.Seal(nil, g.nonce(g.counter), g.buf, nil)
	g.counter++
	g.buf = g.buf[:0]

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(sealed)))
	if _, err := g.w.Write(length[:]); err != nil {
		return err
	}
	_, err := g.w.Write(sealed)
	return err
}

// Close seals and flushes any buffered partial chunk. It does not close
// the underlying writer.
func (g *gcmEncryptWriter) Close() error {
	if len(g.buf) == 0 && g.counter > 0 {
		return nil
	}
	return g.flushChunk()
}

// gcmDecryptReader reverses gcmEncryptWriter: reads the base nonce, then
// each length-prefixed sealed chunk, yielding plaintext.
type gcmDecryptReader struct {
	r       io.Reader
	aead    cipher.AEAD
	base    [4]byte
	counter uint32
	plain   []byte
	pos     int
	eof     bool
}

func newDecryptReader(key []byte, r io.Reader) (io.Reader, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	var base [4]byte
	if _, err := io.ReadFull(r, base[:]); err != nil {
		return nil, ferrors.Wrap(ferrors.DomainBlob, ferrors.KindCorruption, "TruncatedBlob", "blob shorter than nonce prefix", err)
	}

	return &gcmDecryptReader{r: r, aead: aead, base: base}, nil
}

func (g *gcmDecryptReader) nonce(counter uint32) []byte {
	n := make([]byte, 12)
	copy(n, g.base[:])
	binary.BigEndian.PutUint64(n[4:], uint64(counter))
	return n
}

func (g *gcmDecryptReader) Read(p []byte) (int, error) {
	for g.pos >= len(g.plain) {
		if g.eof {
			return 0, io.EOF
		}
		if err := g.readChunk(); err != nil {
			return 0, err
		}
	}
	n := copy(p, g.plain[g.pos:])
	g.pos += n
	return n, nil
}

func (g *gcmDecryptReader) readChunk() error {
	var length [4]byte
	_, err := io.ReadFull(g.r, length[:])
	if err == io.EOF {
		g.eof = true
		return nil
	}
	if err != nil {
		return ferrors.Wrap(ferrors.DomainBlob, ferrors.KindCorruption, "TruncatedBlob", "blob chunk length truncated", err)
	}

	sealed := make([]byte, binary.BigEndian.Uint32(length[:]))
	if _, err := io.ReadFull(g.r, sealed); err != nil {
		return ferrors.Wrap(ferrors.DomainBlob, ferrors.KindCorruption, "TruncatedBlob", "blob chunk body truncated", err)
	}

	plain, err := g.aead.Open(nil, g.nonce(g.counter), sealed, nil)
	if err != nil {
		return ferrors.Wrap(ferrors.DomainBlob, ferrors.KindCorruption, "TamperedBlob", "blob chunk failed authentication", err)
	}
	g.counter++
	g.plain = plain
	g.pos = 0
	return nil
}
