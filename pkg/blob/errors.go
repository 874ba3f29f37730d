package blob

import (
	"errors"

	"github.com/cuemby/satchel/pkg/ferrors"
)

var errShortDigest = errors.New("blob: digest has wrong length for a SHA-1 key")

// errMissing builds the error Open returns when a referenced blob does not
// exist on disk — spec.md's BlobMissing condition.
func errMissing(key Key) error {
	return ferrors.New(ferrors.DomainBlob, ferrors.KindNotFound, "BlobMissing", "blob "+key.String()+" not found")
}
