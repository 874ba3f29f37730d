package attachment

import (
	"bytes"
	"encoding/base64"

	"github.com/cuemby/satchel/pkg/blob"
	"github.com/cuemby/satchel/pkg/ferrors"
	"github.com/cuemby/satchel/pkg/revision"
)

// Manager resolves a revision's pending attachments against the Blob
// Store and reconstructs the _attachments dictionary on read.
type Manager struct {
	blobs *blob.Store
}

// NewManager wraps blobs for attachment resolution.
func NewManager(blobs *blob.Store) *Manager {
	return &Manager{blobs: blobs}
}

func digestOf(key blob.Key) string { return "sha1-" + key.String() }

// BuildDescriptors resolves pending into AttachmentDescriptors ready to
// attach to a new revision at generation revGen. parentAttachments
// supplies the prior revision's descriptors for InheritFrom lookups.
func (m *Manager) BuildDescriptors(pending []PendingAttachment, parentAttachments map[string]revision.AttachmentDescriptor, revGen uint64) (map[string]revision.AttachmentDescriptor, error) {
	if len(pending) == 0 {
		return nil, nil
	}
	out := make(map[string]revision.AttachmentDescriptor, len(pending))
	for _, p := range pending {
		switch {
		case p.InheritFrom != "":
			parent, ok := parentAttachments[p.InheritFrom]
			if !ok {
				return nil, ferrors.New(ferrors.DomainAttachment, ferrors.KindConfiguration, "UnknownParentAttachment",
					"attachment "+p.Name+" references unknown parent attachment "+p.InheritFrom)
			}
			parent.Name = p.Name
			out[p.Name] = parent

		case p.Inline != nil:
			info, err := m.blobs.Put(bytes.NewReader(p.Inline))
			if err != nil {
				return nil, err
			}
			out[p.Name] = revision.AttachmentDescriptor{
				Name:        p.Name,
				ContentType: p.ContentType,
				Length:      info.Length,
				Digest:      digestOf(info.Key),
				RevPos:      revGen,
			}

		case p.FollowsLength > 0:
			out[p.Name] = revision.AttachmentDescriptor{
				Name:        p.Name,
				ContentType: p.ContentType,
				Length:      p.FollowsLength,
				RevPos:      revGen,
				Follows:     true,
				Stub:        true, // resolved by FinishWriter once the body streams in
			}

		default:
			return nil, ferrors.New(ferrors.DomainAttachment, ferrors.KindConfiguration, "EmptyAttachment",
				"attachment "+p.Name+" has no inline body, follows length, or inherited source")
		}
	}
	return out, nil
}

// PutContent writes data into the blob store directly, returning its
// content digest and length. Used by the replicator to install an
// attachment body shipped alongside a pulled revision.
func (m *Manager) PutContent(data []byte) (string, int64, error) {
	info, err := m.blobs.Put(bytes.NewReader(data))
	if err != nil {
		return "", 0, err
	}
	return digestOf(info.Key), info.Length, nil
}

// HasContent reports whether digest is already present in the blob
// store, so a replicator can skip re-transferring attachment bodies the
// target already holds.
func (m *Manager) HasContent(digest string) bool {
	key, err := blob.KeyFromHex(trimDigestPrefix(digest))
	if err != nil {
		return false
	}
	rc, err := m.blobs.Open(key)
	if err != nil {
		return false
	}
	_ = rc.Close()
	return true
}

// OpenWriter starts a streamed attachment body write. Callers write the
// body then call FinishWriter to fold the resulting digest into desc.
func (m *Manager) OpenWriter() (*blob.Writer, error) {
	return m.blobs.Writer()
}

// FinishWriter commits w and returns an updated descriptor with its
// digest and length filled in, replacing the placeholder BuildDescriptors
// produced for a FollowsLength entry.
func (m *Manager) FinishWriter(w *blob.Writer, desc revision.AttachmentDescriptor) (revision.AttachmentDescriptor, error) {
	info, err := w.Finish()
	if err != nil {
		return revision.AttachmentDescriptor{}, err
	}
	desc.Digest = digestOf(info.Key)
	desc.Length = info.Length
	desc.Stub = false
	return desc, nil
}

// Reconstruct renders rev's attachments honoring opts, per spec.md
// §4.4's stubbing rule: entries whose RevPos is below minRevPos are
// always stubbed regardless of opts.
func (m *Manager) Reconstruct(rev *revision.Revision, opts ContentOptions, minRevPos uint64) (map[string]RenderedAttachment, error) {
	descs := descriptorsOf(rev)
	if len(descs) == 0 {
		return nil, nil
	}
	if opts.Has(NoBody) {
		return nil, nil
	}

	out := make(map[string]RenderedAttachment, len(descs))
	for name, d := range descs {
		r := RenderedAttachment{
			ContentType: d.ContentType,
			Digest:      d.Digest,
			Length:      d.Length,
			RevPos:      d.RevPos,
			Encoding:    d.Encoding,
		}

		stubbed := opts.Has(Stubs) || d.RevPos < minRevPos || !opts.Has(IncludeAttachments)
		if stubbed {
			r.Stub = true
			out[name] = r
			continue
		}

		if opts.Has(AttachmentsFollow) {
			r.Follows = true
			out[name] = r
			continue
		}

		key, err := blob.KeyFromHex(trimDigestPrefix(d.Digest))
		if err != nil {
			return nil, ferrors.Wrap(ferrors.DomainAttachment, ferrors.KindCorruption, "BadDigest",
				"attachment "+name+" has a malformed digest", err)
		}
		rc, err := m.blobs.Open(key)
		if err != nil {
			return nil, err
		}
		buf := new(bytes.Buffer)
		_, copyErr := buf.ReadFrom(rc)
		_ = rc.Close()
		if copyErr != nil {
			return nil, copyErr
		}
		r.DataBase64 = base64.StdEncoding.EncodeToString(buf.Bytes())
		out[name] = r
	}
	return out, nil
}

func trimDigestPrefix(digest string) string {
	for _, prefix := range []string{"sha1-", "sha1:"} {
		if len(digest) > len(prefix) && digest[:len(prefix)] == prefix {
			return digest[len(prefix):]
		}
	}
	return digest
}

// KeepSet collects the blob keys referenced by every descriptor across
// revs, suitable as the keep_set argument to blob.Store.GC. Callers
// typically pass every revision of every document still present in the
// revision engine (compaction deletes bodies, not the revision rows
// themselves, until a revision is pruned outright).
func (m *Manager) KeepSet(revs []*revision.Revision) (map[blob.Key]struct{}, error) {
	keep := make(map[blob.Key]struct{})
	for _, rev := range revs {
		for _, d := range rev.Attachments {
			key, err := blob.KeyFromHex(trimDigestPrefix(d.Digest))
			if err != nil {
				continue
			}
			keep[key] = struct{}{}
		}
	}
	return keep, nil
}
