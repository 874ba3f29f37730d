/*
Package revision owns the document/revision tree: MVCC inserts, updates,
deletes, conflict detection, and compaction (spec.md §4.3).

The bucket-per-concern, JSON-marshal-per-row persistence idiom is
grounded on cuemby-warren/pkg/storage/boltdb.go, generalized from fixed
entity types (Node, Service, ...) to one row per (doc_id, rev_id) pair.
The monotonic sequence counter assigned under the single write lock
mirrors the currentRev bookkeeping in etcd's mvcc/kvstore.go, adapted
from an in-memory B-tree index to flat KVP rows per spec.md §9's
explicit guidance that no in-memory pointer graph is required.
*/
package revision

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cuemby/satchel/pkg/changefeed"
	"github.com/cuemby/satchel/pkg/ferrors"
	"github.com/cuemby/satchel/pkg/kvp"
	"github.com/cuemby/satchel/pkg/log"
	"github.com/cuemby/satchel/pkg/metrics"
)

const (
	revisionsBucket = "revisions"
	winnersBucket   = "doc_winners"
	metaBucket      = "revision_meta"
	lastSeqKey      = "last_seq"

	// DefaultRevisionLimit is spec.md §3's default bounded ancestry depth
	// retained for non-leaf revisions during compaction.
	DefaultRevisionLimit = 1000
)

// EnsureSchema creates every bucket this package owns. Hosts fold this,
// plus changefeed.EnsureSchema, into one ordered migration list.
func EnsureSchema(tx *kvp.Tx) error {
	for _, name := range []string{revisionsBucket, winnersBucket, metaBucket} {
		if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
			return err
		}
	}
	return nil
}

// winnerRecord is the denormalized doc_winners row, recomputed on every
// commit so GetWinner and AllDocs never walk a document's full tree.
type winnerRecord struct {
	RevID   RevID `json:"rev_id"`
	Deleted bool  `json:"deleted"`
}

// Engine implements spec.md §4.3's revision-tree operations.
type Engine struct {
	kv            *kvp.Store
	feed          *changefeed.Broker // may be nil: commits still append to revisions_by_seq
	revisionLimit int
}

// New constructs a revision Engine. feed may be nil if the host does not
// need live change notifications (Since still works against KVP).
func New(kv *kvp.Store, feed *changefeed.Broker, revisionLimit int) *Engine {
	if revisionLimit <= 0 {
		revisionLimit = DefaultRevisionLimit
	}
	return &Engine{kv: kv, feed: feed, revisionLimit: revisionLimit}
}

func revKey(docID string, rev RevID) []byte {
	var buf bytes.Buffer
	buf.WriteString(docID)
	buf.WriteByte(0)
	buf.WriteString(rev.String())
	return buf.Bytes()
}

func docPrefix(docID string) []byte {
	return append([]byte(docID), 0)
}

// computeRevID implements spec.md §4.3's deterministic hash: canonicalize
// the body, append parent rev id bytes, the deleted flag, and the sorted
// attachment digests, then MD5 the concatenation.
func computeRevID(parent RevID, deleted bool, body json.RawMessage, attachments map[string]AttachmentDescriptor) (RevID, error) {
	canonical, err := canonicalizeBody(body)
	if err != nil {
		return RevID{}, ferrors.Wrap(ferrors.DomainRevision, ferrors.KindConfiguration, "InvalidBody", "body is not valid JSON", err)
	}

	h := md5.New()
	h.Write(canonical)
	h.Write([]byte(parent.String()))
	if deleted {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	for _, d := range sortedAttachmentDigests(attachments) {
		h.Write([]byte(d))
	}

	return RevID{Generation: parent.Generation + 1, Hash: fmt.Sprintf("%x", h.Sum(nil))}, nil
}

// canonicalizeBody re-marshals body with sorted object keys. encoding/json
// already sorts map[string]any keys on Marshal, so decoding into a
// generic value and re-encoding is sufficient canonicalization.
func canonicalizeBody(body json.RawMessage) ([]byte, error) {
	if len(body) == 0 {
		return []byte("null"), nil
	}
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (e *Engine) nextSeq(tx *kvp.Tx) (uint64, error) {
	b := tx.Bucket([]byte(metaBucket))
	if b == nil {
		return 0, ferrors.New(ferrors.DomainRevision, ferrors.KindCorruption, "MissingSchema", "revision_meta bucket missing")
	}
	var seq uint64
	if raw := b.Get([]byte(lastSeqKey)); raw != nil {
		seq = binary.BigEndian.Uint64(raw)
	}
	seq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	if err := b.Put([]byte(lastSeqKey), buf[:]); err != nil {
		return 0, err
	}
	return seq, nil
}

func (e *Engine) putRevision(tx *kvp.Tx, rev *Revision) error {
	b := tx.Bucket([]byte(revisionsBucket))
	raw, err := json.Marshal(rev)
	if err != nil {
		return err
	}
	return b.Put(revKey(rev.DocID, rev.RevID), raw)
}

func (e *Engine) getRevisionTx(tx *kvp.Tx, docID string, rev RevID) (*Revision, bool, error) {
	b := tx.Bucket([]byte(revisionsBucket))
	if b == nil {
		return nil, false, nil
	}
	raw := b.Get(revKey(docID, rev))
	if raw == nil {
		return nil, false, nil
	}
	var out Revision
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, ferrors.Wrap(ferrors.DomainRevision, ferrors.KindCorruption, "BadRevisionRow", "revision row is not valid JSON", err)
	}
	return &out, true, nil
}

// allRevisionsTx returns every revision of docID, in key order (which is
// not generation order, since hashes are not ordered).
func (e *Engine) allRevisionsTx(tx *kvp.Tx, docID string) ([]*Revision, error) {
	b := tx.Bucket([]byte(revisionsBucket))
	if b == nil {
		return nil, nil
	}
	prefix := docPrefix(docID)
	var out []*Revision
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var rev Revision
		if err := json.Unmarshal(v, &rev); err != nil {
			return nil, ferrors.Wrap(ferrors.DomainRevision, ferrors.KindCorruption, "BadRevisionRow", "revision row is not valid JSON", err)
		}
		out = append(out, &rev)
	}
	return out, nil
}

// leavesOf computes leaf revisions: those never referenced as another
// revision's parent.
func leavesOf(revs []*Revision) []*Revision {
	referenced := make(map[RevID]bool, len(revs))
	for _, r := range revs {
		if r.ParentRev != nil {
			referenced[*r.ParentRev] = true
		}
	}
	var leaves []*Revision
	for _, r := range revs {
		if !referenced[r.RevID] {
			leaves = append(leaves, r)
		}
	}
	return leaves
}

// pickWinner implements spec.md §3's deterministic winner rule: highest
// generation among non-deleted leaves, tie-break by greatest rev_id
// string; falls back to the same rule over deleted leaves.
func pickWinner(leaves []*Revision) *Revision {
	var best *Revision
	for _, r := range leaves {
		if r.Deleted {
			continue
		}
		if better(r, best) {
			best = r
		}
	}
	if best != nil {
		return best
	}
	for _, r := range leaves {
		if better(r, best) {
			best = r
		}
	}
	return best
}

func better(candidate, current *Revision) bool {
	if current == nil {
		return true
	}
	if candidate.RevID.Generation != current.RevID.Generation {
		return candidate.RevID.Generation > current.RevID.Generation
	}
	return candidate.RevID.String() > current.RevID.String()
}

func (e *Engine) recomputeWinnerTx(tx *kvp.Tx, docID string) (*Revision, error) {
	revs, err := e.allRevisionsTx(tx, docID)
	if err != nil {
		return nil, err
	}
	leaves := leavesOf(revs)
	winner := pickWinner(leaves)

	b := tx.Bucket([]byte(winnersBucket))
	if winner == nil {
		return nil, b.Delete([]byte(docID))
	}
	raw, err := json.Marshal(winnerRecord{RevID: winner.RevID, Deleted: winner.Deleted})
	if err != nil {
		return nil, err
	}
	return winner, b.Put([]byte(docID), raw)
}

func countNonDeletedLeaves(leaves []*Revision) int {
	n := 0
	for _, r := range leaves {
		if !r.Deleted {
			n++
		}
	}
	return n
}

func (e *Engine) publish(rev *Revision, winner *Revision) {
	if e.feed == nil {
		return
	}
	winID := ""
	if winner != nil {
		winID = winner.RevID.String()
	}
	e.feed.Publish(changefeed.ChangeEntry{
		Seq:          rev.Sequence,
		DocID:        rev.DocID,
		RevID:        rev.RevID.String(),
		Deleted:      rev.Deleted,
		WinningRevID: winID,
	})
}

// Create implements spec.md §4.3's create operation.
func (e *Engine) Create(docID string, body json.RawMessage, attachments map[string]AttachmentDescriptor) (*Revision, error) {
	var result *Revision
	err := e.kv.RunWrite(func(tx *kvp.Tx) error {
		revs, err := e.allRevisionsTx(tx, docID)
		if err != nil {
			return err
		}
		if countNonDeletedLeaves(leavesOf(revs)) > 0 {
			return errConflict(docID, "document already has non-deleted leaves")
		}

		revID, err := computeRevID(RevID{}, false, body, attachments)
		if err != nil {
			return err
		}
		seq, err := e.nextSeq(tx)
		if err != nil {
			return err
		}
		rev := &Revision{
			DocID:       docID,
			RevID:       revID,
			Body:        body,
			Sequence:    seq,
			Attachments: attachments,
		}
		if err := e.putRevision(tx, rev); err != nil {
			return err
		}
		if err := changefeed.Put(tx, changefeed.ChangeEntry{Seq: seq, DocID: docID, RevID: revID.String(), WinningRevID: revID.String()}); err != nil {
			return err
		}
		winner, err := e.recomputeWinnerTx(tx, docID)
		if err != nil {
			return err
		}
		e.publish(rev, winner)
		result = rev
		return nil
	})
	if err == nil {
		metrics.RevisionsCreatedTotal.WithLabelValues("local").Inc()
	}
	return result, err
}

// applyChildTx is applyChild's transaction body, factored out so callers
// that need to graft more than one child revision atomically (conflict
// resolution's tombstone fan-out, spec.md §4.8) can invoke it repeatedly
// inside a single caller-owned write transaction instead of opening one
// per child.
func (e *Engine) applyChildTx(tx *kvp.Tx, docID string, parent RevID, deleted bool, body json.RawMessage, attachments map[string]AttachmentDescriptor) (*Revision, error) {
	revs, err := e.allRevisionsTx(tx, docID)
	if err != nil {
		return nil, err
	}
	if len(revs) == 0 {
		return nil, errDocNotFound(docID)
	}
	leaves := leavesOf(revs)
	isLeaf := false
	for _, l := range leaves {
		if l.RevID == parent && !l.Deleted {
			isLeaf = true
			break
		}
	}
	if !isLeaf {
		if _, ok, _ := e.getRevisionTx(tx, docID, parent); !ok {
			return nil, errRevNotFound(docID, parent.String())
		}
		return nil, errConflict(docID, "parent revision "+parent.String()+" is not a current leaf")
	}

	revID, err := computeRevID(parent, deleted, body, attachments)
	if err != nil {
		return nil, err
	}
	seq, err := e.nextSeq(tx)
	if err != nil {
		return nil, err
	}
	p := parent
	rev := &Revision{
		DocID:       docID,
		RevID:       revID,
		ParentRev:   &p,
		Deleted:     deleted,
		Body:        body,
		Sequence:    seq,
		Attachments: attachments,
	}
	if err := e.putRevision(tx, rev); err != nil {
		return nil, err
	}
	winner, err := e.recomputeWinnerTx(tx, docID)
	if err != nil {
		return nil, err
	}
	winID := ""
	if winner != nil {
		winID = winner.RevID.String()
	}
	if err := changefeed.Put(tx, changefeed.ChangeEntry{Seq: seq, DocID: docID, RevID: revID.String(), Deleted: deleted, WinningRevID: winID}); err != nil {
		return nil, err
	}
	e.publish(rev, winner)
	return rev, nil
}

func (e *Engine) applyChild(docID string, parent RevID, deleted bool, body json.RawMessage, attachments map[string]AttachmentDescriptor) (*Revision, error) {
	var result *Revision
	err := e.kv.RunWrite(func(tx *kvp.Tx) error {
		rev, err := e.applyChildTx(tx, docID, parent, deleted, body, attachments)
		if err != nil {
			return err
		}
		result = rev
		return nil
	})
	if err == nil {
		metrics.RevisionsCreatedTotal.WithLabelValues("local").Inc()
	}
	return result, err
}

// ConflictDecision is the atomic resolution a caller applies to a
// conflicted document. Exactly one of PickLeaf or NewBody should be set.
type ConflictDecision struct {
	// PickLeaf selects an existing non-deleted leaf as the surviving
	// revision; every other non-deleted leaf is tombstoned.
	PickLeaf *RevID
	// NewBody roots a brand new revision on top of NewBodyParent,
	// tombstoning every other non-deleted leaf.
	NewBody       json.RawMessage
	NewBodyParent RevID
}

// ResolveConflict implements spec.md §4.8's resolution API: the survivor
// (an existing leaf, or a new revision grafted onto NewBodyParent) and a
// tombstone child on every other non-deleted leaf are written within one
// KVP transaction, so a crash mid-resolution can never leave a document
// partially converged.
func (e *Engine) ResolveConflict(docID string, decision ConflictDecision) (*Revision, error) {
	var result *Revision
	err := e.kv.RunWrite(func(tx *kvp.Tx) error {
		revs, err := e.allRevisionsTx(tx, docID)
		if err != nil {
			return err
		}
		if len(revs) == 0 {
			return errDocNotFound(docID)
		}
		var live []*Revision
		for _, l := range leavesOf(revs) {
			if !l.Deleted {
				live = append(live, l)
			}
		}
		if len(live) < 2 {
			return ferrors.New(ferrors.DomainConflict, ferrors.KindConfiguration, "NotConflicted",
				"document "+docID+" has fewer than two non-deleted leaves")
		}

		switch {
		case decision.PickLeaf != nil:
			var survivor *Revision
			for _, l := range live {
				if l.RevID == *decision.PickLeaf {
					survivor = l
				}
			}
			if survivor == nil {
				return ferrors.New(ferrors.DomainConflict, ferrors.KindConfiguration, "UnknownLeaf",
					"picked revision is not among document "+docID+"'s current leaves")
			}
			for _, l := range live {
				if l.RevID == survivor.RevID {
					continue
				}
				if _, err := e.applyChildTx(tx, docID, l.RevID, true, json.RawMessage(`{}`), nil); err != nil {
					return err
				}
			}
			result = survivor
			return nil
		case decision.NewBody != nil:
			parent := decision.NewBodyParent
			if parent.IsZero() {
				parent = pickWinner(live).RevID
			}
			newRev, err := e.applyChildTx(tx, docID, parent, false, decision.NewBody, nil)
			if err != nil {
				return err
			}
			for _, l := range live {
				if l.RevID == parent {
					continue
				}
				if _, err := e.applyChildTx(tx, docID, l.RevID, true, json.RawMessage(`{}`), nil); err != nil {
					return err
				}
			}
			result = newRev
			return nil
		default:
			return ferrors.New(ferrors.DomainConflict, ferrors.KindConfiguration, "EmptyDecision",
				"decision must set either PickLeaf or NewBody")
		}
	})
	if err == nil {
		metrics.RevisionsCreatedTotal.WithLabelValues("local").Inc()
	}
	return result, err
}

// Update implements spec.md §4.3's update operation.
func (e *Engine) Update(docID string, parent RevID, body json.RawMessage, attachments map[string]AttachmentDescriptor) (*Revision, error) {
	return e.applyChild(docID, parent, false, body, attachments)
}

// Delete implements spec.md §4.3's delete operation, producing a
// tombstone child revision.
func (e *Engine) Delete(docID string, parent RevID) (*Revision, error) {
	return e.applyChild(docID, parent, true, json.RawMessage(`{}`), nil)
}

// ForceInsert implements spec.md §4.3's replicator-facing insert: it
// never conflicts, grafting at the deepest ancestor already present, and
// is idempotent (invariant 8: re-inserting is a no-op with no new
// sequence assigned).
func (e *Engine) ForceInsert(rev Revision, history []RevID) error {
	return e.kv.RunWrite(func(tx *kvp.Tx) error {
		if _, exists, err := e.getRevisionTx(tx, rev.DocID, rev.RevID); err != nil {
			return err
		} else if exists {
			return nil // invariant 8
		}

		// find the deepest ancestor in history already present, in
		// descending-generation order (history is root..parent, so walk
		// backwards from the end).
		var parent *RevID
		for i := len(history) - 1; i >= 0; i-- {
			if _, ok, err := e.getRevisionTx(tx, rev.DocID, history[i]); err != nil {
				return err
			} else if ok {
				p := history[i]
				parent = &p
				break
			}
		}

		seq, err := e.nextSeq(tx)
		if err != nil {
			return err
		}
		toInsert := rev
		toInsert.ParentRev = parent
		toInsert.Sequence = seq

		if err := e.putRevision(tx, &toInsert); err != nil {
			return err
		}
		winner, err := e.recomputeWinnerTx(tx, rev.DocID)
		if err != nil {
			return err
		}
		winID := ""
		if winner != nil {
			winID = winner.RevID.String()
		}
		if err := changefeed.Put(tx, changefeed.ChangeEntry{Seq: seq, DocID: rev.DocID, RevID: rev.RevID.String(), Deleted: rev.Deleted, WinningRevID: winID}); err != nil {
			return err
		}
		metrics.RevisionsCreatedTotal.WithLabelValues("force_insert").Inc()
		e.publish(&toInsert, winner)
		return nil
	})
}

// GetWinner implements spec.md §4.3's get_winner.
func (e *Engine) GetWinner(docID string) (*Revision, error) {
	var result *Revision
	err := e.kv.RunRead(func(tx *kvp.Tx) error {
		b := tx.Bucket([]byte(winnersBucket))
		if b == nil {
			return errDocNotFound(docID)
		}
		raw := b.Get([]byte(docID))
		if raw == nil {
			return errDocNotFound(docID)
		}
		var wr winnerRecord
		if err := json.Unmarshal(raw, &wr); err != nil {
			return ferrors.Wrap(ferrors.DomainRevision, ferrors.KindCorruption, "BadWinnerRow", "winner row is not valid JSON", err)
		}
		rev, ok, err := e.getRevisionTx(tx, docID, wr.RevID)
		if err != nil {
			return err
		}
		if !ok {
			return errDocNotFound(docID)
		}
		result = rev
		return nil
	})
	return result, err
}

// GetRev implements spec.md §4.3's get_rev.
func (e *Engine) GetRev(docID string, rev RevID) (*Revision, error) {
	var result *Revision
	err := e.kv.RunRead(func(tx *kvp.Tx) error {
		found, ok, err := e.getRevisionTx(tx, docID, rev)
		if err != nil {
			return err
		}
		if !ok {
			return errRevNotFound(docID, rev.String())
		}
		result = found
		return nil
	})
	return result, err
}

// Leaves implements spec.md §4.3's leaves operation.
func (e *Engine) Leaves(docID string) ([]*Revision, error) {
	var result []*Revision
	err := e.kv.RunRead(func(tx *kvp.Tx) error {
		revs, err := e.allRevisionsTx(tx, docID)
		if err != nil {
			return err
		}
		result = leavesOf(revs)
		return nil
	})
	return result, err
}

// AllDocs implements spec.md §4.3's all_docs paging over winning
// revisions, ordered by doc_id.
func (e *Engine) AllDocs(offset, limit int, desc bool) ([]*Revision, error) {
	var ids []string
	err := e.kv.RunRead(func(tx *kvp.Tx) error {
		b := tx.Bucket([]byte(winnersBucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		advance := c.Next
		k, _ := c.First()
		if desc {
			advance = c.Prev
			k, _ = c.Last()
		}
		for ; k != nil; k, _ = advance() {
			ids = append(ids, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if offset < 0 {
		offset = 0
	}
	if offset > len(ids) {
		offset = len(ids)
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}

	result := make([]*Revision, 0, len(ids))
	for _, id := range ids {
		winner, err := e.GetWinner(id)
		if err != nil {
			continue
		}
		result = append(result, winner)
	}
	return result, nil
}

// History implements spec.md §4.3's history operation: the ancestor
// chain from rev back to its root.
func (e *Engine) History(docID string, rev RevID) ([]*Revision, error) {
	var chain []*Revision
	err := e.kv.RunRead(func(tx *kvp.Tx) error {
		current := rev
		for {
			r, ok, err := e.getRevisionTx(tx, docID, current)
			if err != nil {
				return err
			}
			if !ok {
				return errRevNotFound(docID, current.String())
			}
			chain = append(chain, r)
			if r.ParentRev == nil {
				return nil
			}
			current = *r.ParentRev
		}
	})
	return chain, err
}

// Purge implements spec.md §4.3's purge operation: removes the entire
// document.
func (e *Engine) Purge(docID string) error {
	return e.kv.RunWrite(func(tx *kvp.Tx) error {
		b := tx.Bucket([]byte(revisionsBucket))
		prefix := docPrefix(docID)
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		w := tx.Bucket([]byte(winnersBucket))
		return w.Delete([]byte(docID))
	})
}

// Compact implements spec.md §4.3's compaction: for every document,
// compute preserved = leaves ∪ ancestors within the revision limit, null
// out the bodies of preserved non-leaf revisions, and delete every
// revision outside that set. Runs document-by-document, each inside its own
// KVP write transaction so a single huge store doesn't hold the writer
// lock for an unbounded duration.
func (e *Engine) Compact() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CompactionDuration)

	docIDs, err := e.listDocIDs()
	if err != nil {
		return err
	}
	for _, docID := range docIDs {
		if err := e.compactDoc(docID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) listDocIDs() ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string
	err := e.kv.RunRead(func(tx *kvp.Tx) error {
		b := tx.Bucket([]byte(revisionsBucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			idx := bytes.IndexByte(k, 0)
			if idx < 0 {
				return nil
			}
			id := string(k[:idx])
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
			return nil
		})
	})
	sort.Strings(ids)
	return ids, err
}

func (e *Engine) compactDoc(docID string) error {
	return e.kv.RunWrite(func(tx *kvp.Tx) error {
		revs, err := e.allRevisionsTx(tx, docID)
		if err != nil {
			return err
		}
		leaves := leavesOf(revs)
		preserved := make(map[RevID]bool, len(revs))
		byID := make(map[RevID]*Revision, len(revs))
		for _, r := range revs {
			byID[r.RevID] = r
		}
		for _, leaf := range leaves {
			depth := 0
			cur := leaf
			for cur != nil && depth <= e.revisionLimit {
				preserved[cur.RevID] = true
				if cur.ParentRev == nil {
					break
				}
				cur = byID[*cur.ParentRev]
				depth++
			}
		}

		b := tx.Bucket([]byte(revisionsBucket))
		for _, r := range revs {
			if preserved[r.RevID] {
				if r.Body != nil && !isLeafRevID(leaves, r.RevID) {
					r.Body = nil
					if err := e.putRevision(tx, r); err != nil {
						return err
					}
				}
				continue
			}
			if err := b.Delete(revKey(docID, r.RevID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func isLeafRevID(leaves []*Revision, rev RevID) bool {
	for _, l := range leaves {
		if l.RevID == rev {
			return true
		}
	}
	return false
}

// RefreshMetrics recomputes DocumentsTotal and ConflictedDocumentsTotal.
// Intended to be called periodically by the host, not on every write.
func (e *Engine) RefreshMetrics() error {
	var total, conflicted float64
	err := e.kv.RunRead(func(tx *kvp.Tx) error {
		b := tx.Bucket([]byte(winnersBucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			total++
			docID := string(k)
			revs, err := e.allRevisionsTx(tx, docID)
			if err != nil {
				return err
			}
			if countNonDeletedLeaves(leavesOf(revs)) > 1 {
				conflicted++
			}
			return nil
		})
	})
	if err != nil {
		log.Errorf("failed to refresh revision engine metrics: %v", err)
		return err
	}
	metrics.DocumentsTotal.Set(total)
	metrics.ConflictedDocumentsTotal.Set(conflicted)
	return nil
}
