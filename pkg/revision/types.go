package revision

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RevID identifies one revision: a generation counter plus a content
// hash, rendered as spec.md §3's "generation-hexhash" string.
type RevID struct {
	Generation uint64
	Hash       string
}

// String renders the RevID in "generation-hexhash" form.
func (r RevID) String() string {
	return fmt.Sprintf("%d-%s", r.Generation, r.Hash)
}

// IsZero reports whether r is the zero value (no revision, used to mark
// a root's absent parent).
func (r RevID) IsZero() bool { return r.Generation == 0 && r.Hash == "" }

// ParseRevID parses the "generation-hexhash" wire form.
func ParseRevID(s string) (RevID, error) {
	gen, hash, ok := strings.Cut(s, "-")
	if !ok || hash == "" {
		return RevID{}, fmt.Errorf("revision: malformed rev id %q", s)
	}
	n, err := strconv.ParseUint(gen, 10, 64)
	if err != nil {
		return RevID{}, fmt.Errorf("revision: malformed rev id %q: %w", s, err)
	}
	return RevID{Generation: n, Hash: hash}, nil
}

// AttachmentDescriptor is spec.md §3's attachment descriptor, persisted
// alongside a revision and mirrored in pkg/attachment's richer view.
type AttachmentDescriptor struct {
	Name          string `json:"name"`
	ContentType   string `json:"content_type"`
	Length        int64  `json:"length"`
	Encoding      string `json:"encoding,omitempty"`
	EncodedLength int64  `json:"encoded_length,omitempty"`
	Digest        string `json:"digest"` // "sha1-" + hex SHA-1, i.e. "sha1-"+blob.Key.String()
	RevPos        uint64 `json:"revpos"`
	Follows       bool   `json:"follows,omitempty"`
	Stub          bool   `json:"stub,omitempty"`
}

// Revision is one immutable node in a document's revision tree.
type Revision struct {
	DocID       string                          `json:"doc_id"`
	RevID       RevID                           `json:"rev_id"`
	ParentRev   *RevID                          `json:"parent_rev_id,omitempty"`
	Deleted     bool                            `json:"deleted"`
	Body        json.RawMessage                 `json:"body,omitempty"` // nil once compacted
	Sequence    uint64                          `json:"sequence"`
	Attachments map[string]AttachmentDescriptor `json:"attachments,omitempty"`
	LocalOnly   bool                            `json:"local_only,omitempty"`
}

// IsLeaf is decided by the caller (Engine.Leaves), not stored on the row.

// sortedAttachmentDigests returns every attachment digest in ascending
// order, used as one input to the RevId hash (spec.md §4.3).
func sortedAttachmentDigests(attachments map[string]AttachmentDescriptor) []string {
	digests := make([]string, 0, len(attachments))
	for _, a := range attachments {
		digests = append(digests, a.Digest)
	}
	sort.Strings(digests)
	return digests
}
