package changefeed

import (
	"encoding/binary"
	"encoding/json"

	"github.com/cuemby/satchel/pkg/ferrors"
	"github.com/cuemby/satchel/pkg/kvp"
)

// BySeqBucket is the kvp bucket mapping sequence -> ChangeEntry. The
// revision engine owns writes to it (inside the same transaction that
// commits the revision); this package only reads.
const BySeqBucket = "revisions_by_seq"

// EnsureSchema creates the revisions_by_seq bucket. Hosts fold this into
// their own ordered migration list alongside pkg/revision's schema step.
func EnsureSchema(tx *kvp.Tx) error {
	_, err := tx.CreateBucketIfNotExists([]byte(BySeqBucket))
	return err
}

// Store answers durable Since queries against the revisions_by_seq
// bucket, for consumers (replicator Changes step, crash recovery) that
// need to resume from a cursor rather than receive a live broadcast.
type Store struct {
	kv *kvp.Store
}

// NewStore wraps kv for durable change feed queries.
func NewStore(kv *kvp.Store) *Store {
	return &Store{kv: kv}
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// Since returns up to limit entries with sequence strictly greater than
// after, in ascending sequence order. limit <= 0 means unbounded.
func (s *Store) Since(after uint64, limit int) ([]ChangeEntry, error) {
	var entries []ChangeEntry
	err := s.kv.RunRead(func(tx *kvp.Tx) error {
		b := tx.Bucket([]byte(BySeqBucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(seqKey(after + 1)); k != nil; k, v = c.Next() {
			var entry ChangeEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return ferrors.Wrap(ferrors.DomainRevision, ferrors.KindCorruption, "BadChangeRow", "change feed row is not valid JSON", err)
			}
			entries = append(entries, entry)
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
		return nil
	})
	return entries, err
}

// LastSeq returns the highest sequence number recorded, or 0 if the feed
// is empty.
func (s *Store) LastSeq() (uint64, error) {
	var last uint64
	err := s.kv.RunRead(func(tx *kvp.Tx) error {
		b := tx.Bucket([]byte(BySeqBucket))
		if b == nil {
			return nil
		}
		k, _ := b.Cursor().Last()
		if k != nil {
			last = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return last, err
}

// Put records entry at its Seq. Called by pkg/revision inside the write
// transaction that commits the revision.
func Put(tx *kvp.Tx, entry ChangeEntry) error {
	b, err := tx.CreateBucketIfNotExists([]byte(BySeqBucket))
	if err != nil {
		return err
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return b.Put(seqKey(entry.Seq), raw)
}
