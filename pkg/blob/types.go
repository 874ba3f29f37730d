package blob

import "encoding/hex"

// Key identifies a blob by the SHA-1 digest of its plaintext content.
// Hex-encoded, it is also the default (unencrypted-mode) on-disk filename.
type Key [20]byte

// String renders the key as lowercase hex, e.g. for filenames and logs.
func (k Key) String() string { return hex.EncodeToString(k[:]) }

// KeyFromHex parses a hex-encoded SHA-1 digest into a Key.
func KeyFromHex(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, err
	}
	if len(b) != len(k) {
		return k, errShortDigest
	}
	copy(k[:], b)
	return k, nil
}

// Info describes one stored blob as recorded alongside the file on disk.
type Info struct {
	Key          Key
	SHA256       [32]byte
	MD5          [16]byte
	Length       int64 // plaintext length
	EncryptedLen int64 // on-disk length, equal to Length when unencrypted
}
