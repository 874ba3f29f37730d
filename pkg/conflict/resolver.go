/*
Package conflict exposes spec.md §4.8's resolution API: enumerate a
document's non-deleted leaves and apply a caller's decision atomically.

Grounded on pkg/revision's own winner/leaf bookkeeping; this package adds
no new storage. The actual write — surviving revision plus a tombstone
child on every losing branch — is delegated to revision.Engine.
ResolveConflict, which performs it within a single KVP transaction per
§4.8 ("the engine performs this atomically ... within one KVP
transaction").
*/
package conflict

import (
	"encoding/json"

	"github.com/cuemby/satchel/pkg/ferrors"
	"github.com/cuemby/satchel/pkg/revision"
)

// Decision is the resolver's verdict for a conflicted document. Exactly
// one of PickLeaf or NewBody should be set.
type Decision struct {
	// PickLeaf selects an existing leaf as the surviving revision; every
	// other non-deleted leaf is tombstoned.
	PickLeaf *revision.RevID
	// NewBody roots a brand new revision on top of NewBodyParent (or, if
	// NewBodyParent is zero, on top of the current winning leaf),
	// tombstoning every other non-deleted leaf.
	NewBody       []byte
	NewBodyParent revision.RevID
}

// Resolver wraps a revision.Engine with conflict-specific operations.
type Resolver struct {
	engine *revision.Engine
}

// NewResolver wraps engine for conflict resolution.
func NewResolver(engine *revision.Engine) *Resolver {
	return &Resolver{engine: engine}
}

// Leaves returns every non-deleted leaf of docID.
func (r *Resolver) Leaves(docID string) ([]*revision.Revision, error) {
	all, err := r.engine.Leaves(docID)
	if err != nil {
		return nil, err
	}
	var live []*revision.Revision
	for _, rev := range all {
		if !rev.Deleted {
			live = append(live, rev)
		}
	}
	return live, nil
}

// Resolve applies decision to docID: the surviving revision (an existing
// leaf, or a new revision rooted on decision.NewBodyParent) and a
// tombstone child on every other non-deleted leaf all commit within the
// single KVP transaction revision.Engine.ResolveConflict opens, so a
// crash mid-resolution never leaves the document partially converged.
func (r *Resolver) Resolve(docID string, decision Decision) (*revision.Revision, error) {
	leaves, err := r.Leaves(docID)
	if err != nil {
		return nil, err
	}
	if len(leaves) < 2 {
		return nil, ferrors.New(ferrors.DomainConflict, ferrors.KindConfiguration, "NotConflicted",
			"document "+docID+" has fewer than two non-deleted leaves")
	}

	rd := revision.ConflictDecision{
		PickLeaf:      decision.PickLeaf,
		NewBodyParent: decision.NewBodyParent,
	}
	if decision.NewBody != nil {
		rd.NewBody = json.RawMessage(decision.NewBody)
	}
	return r.engine.ResolveConflict(docID, rd)
}
