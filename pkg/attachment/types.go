/*
Package attachment bridges revisions to the Blob Store: parsing a
revision's inline/stub attachment metadata, writing bodies through to
pkg/blob, and reconstructing the _attachments dictionary on read
honoring content-options flags (spec.md §4.4).

The bitmask-of-content-options shape is grounded on the allow/deny flag
style cuemby-warren/pkg/api/interceptor.go uses for request filtering,
generalized from a single on/off toggle to an OR-able set of reader
options.
*/
package attachment

import "github.com/cuemby/satchel/pkg/revision"

// ContentOptions controls how Reconstruct renders attachment
// metadata back onto a revision body.
type ContentOptions uint8

const (
	// IncludeAttachments inlines attachment bodies as base64 in the
	// returned document instead of stub metadata.
	IncludeAttachments ContentOptions = 1 << iota
	// Stubs forces stub form even when a caller would otherwise inline.
	Stubs
	// AttachmentsFollow indicates bodies are delivered out-of-band (e.g.
	// MIME multipart) rather than inlined as base64.
	AttachmentsFollow
	// NoBody makes Reconstruct return no attachment entries at all.
	NoBody
)

// Has reports whether flag is set in o.
func (o ContentOptions) Has(flag ContentOptions) bool { return o&flag != 0 }

// PendingAttachment is a caller-supplied attachment awaiting resolution
// into a revision.AttachmentDescriptor during Put.
type PendingAttachment struct {
	Name        string
	ContentType string
	// Exactly one of Inline, FollowsLength, or InheritFrom should be set.
	Inline        []byte // decoded bytes for an inline (base64) attachment
	FollowsLength int64  // >0 if the body will be streamed separately via OpenWriter
	InheritFrom   string // name of a parent attachment with identical content, if any
}

// RenderedAttachment is what Reconstruct produces per entry,
// shaped for JSON re-serialization onto the document body's
// "_attachments" field.
type RenderedAttachment struct {
	ContentType   string `json:"content_type"`
	Digest        string `json:"digest"`
	Length        int64  `json:"length"`
	RevPos        uint64 `json:"revpos"`
	Stub          bool   `json:"stub,omitempty"`
	Follows       bool   `json:"follows,omitempty"`
	DataBase64    string `json:"data,omitempty"`
	Encoding      string `json:"encoding,omitempty"`
	EncodedLength int64  `json:"encoded_length,omitempty"`
}

// descriptorsOf is a small adapter so this package need not import
// revision's internal field layout directly in more than one place.
func descriptorsOf(rev *revision.Revision) map[string]revision.AttachmentDescriptor {
	if rev == nil {
		return nil
	}
	return rev.Attachments
}
