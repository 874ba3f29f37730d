package replicator

import (
	"encoding/json"

	"github.com/cuemby/satchel/pkg/ferrors"
	"github.com/cuemby/satchel/pkg/kvp"
)

const checkpointBucket = "replication_checkpoints"

// EnsureSchema creates the local checkpoint bucket. Hosts fold this into
// their own ordered migration list.
func EnsureSchema(tx *kvp.Tx) error {
	_, err := tx.CreateBucketIfNotExists([]byte(checkpointBucket))
	return err
}

// CheckpointStore persists a Puller's progress locally, so a restarted
// pull resumes from the last durably-installed sequence rather than
// replaying the whole source.
type CheckpointStore struct {
	kv *kvp.Store
}

// NewCheckpointStore wraps kv for local checkpoint bookkeeping.
func NewCheckpointStore(kv *kvp.Store) *CheckpointStore {
	return &CheckpointStore{kv: kv}
}

// Get returns the checkpoint stored under id, or false if none exists.
func (s *CheckpointStore) Get(id string) (Checkpoint, bool, error) {
	var cp Checkpoint
	found := false
	err := s.kv.RunRead(func(tx *kvp.Tx) error {
		b := tx.Bucket([]byte(checkpointBucket))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &cp); err != nil {
			return ferrors.Wrap(ferrors.DomainReplication, ferrors.KindCorruption, "BadCheckpointRow", "checkpoint row is not valid JSON", err)
		}
		found = true
		return nil
	})
	return cp, found, err
}

// Save durably records cp under id.
func (s *CheckpointStore) Save(id string, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.kv.RunWrite(func(tx *kvp.Tx) error {
		b := tx.Bucket([]byte(checkpointBucket))
		return b.Put([]byte(id), data)
	})
}
