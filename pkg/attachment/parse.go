package attachment

import (
	"encoding/base64"
	"encoding/json"

	"github.com/cuemby/satchel/pkg/ferrors"
)

// incomingAttachment mirrors the shape callers submit in a revision
// body's "_attachments" field.
type incomingAttachment struct {
	ContentType string `json:"content_type"`
	Data        string `json:"data,omitempty"`    // base64 inline body
	Follows     bool   `json:"follows,omitempty"` // body streamed separately
	Length      int64  `json:"length,omitempty"`  // required when Follows
	Stub        bool   `json:"stub,omitempty"`
	Digest      string `json:"digest,omitempty"` // present on stubs referencing an existing attachment by digest
}

// ParsePending extracts the "_attachments" field of an incoming
// revision body into PendingAttachment entries, per spec.md §4.4:
// each entry is either an inline base64 body, a streamed body awaiting
// OpenWriter/FinishWriter, or a stub inheriting unchanged content from
// the parent revision (matched on attachment name, since a stub without
// a digest from the client always means "unchanged").
func ParsePending(body json.RawMessage) ([]PendingAttachment, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var envelope struct {
		Attachments map[string]incomingAttachment `json:"_attachments"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, ferrors.Wrap(ferrors.DomainAttachment, ferrors.KindConfiguration, "InvalidBody",
			"body is not valid JSON", err)
	}
	if len(envelope.Attachments) == 0 {
		return nil, nil
	}

	out := make([]PendingAttachment, 0, len(envelope.Attachments))
	for name, a := range envelope.Attachments {
		p := PendingAttachment{Name: name, ContentType: a.ContentType}
		switch {
		case a.Stub:
			p.InheritFrom = name
		case a.Follows:
			p.FollowsLength = a.Length
		case a.Data != "":
			decoded, err := base64.StdEncoding.DecodeString(a.Data)
			if err != nil {
				return nil, ferrors.Wrap(ferrors.DomainAttachment, ferrors.KindConfiguration, "InvalidAttachmentData",
					"attachment "+name+" has invalid base64 data", err)
			}
			p.Inline = decoded
		default:
			return nil, ferrors.New(ferrors.DomainAttachment, ferrors.KindConfiguration, "EmptyAttachment",
				"attachment "+name+" has no data, follows length, or stub marker")
		}
		out = append(out, p)
	}
	return out, nil
}
