package datastore

import (
	"encoding/json"
	"path/filepath"

	"github.com/cuemby/satchel/pkg/attachment"
	"github.com/cuemby/satchel/pkg/blob"
	"github.com/cuemby/satchel/pkg/changefeed"
	"github.com/cuemby/satchel/pkg/conflict"
	"github.com/cuemby/satchel/pkg/ferrors"
	"github.com/cuemby/satchel/pkg/kvp"
	"github.com/cuemby/satchel/pkg/query"
	"github.com/cuemby/satchel/pkg/replicator"
	"github.com/cuemby/satchel/pkg/revision"
)

// DefaultRevisionLimit is the revision-tree depth new datastores are
// opened with, matching pkg/revision.DefaultRevisionLimit.
const DefaultRevisionLimit = revision.DefaultRevisionLimit

// Datastore composes every subsystem package into one document store:
// one kvp.Store backs the revision/changefeed/query/replicator-checkpoint
// schemas, and a sibling directory backs the blob store.
type Datastore struct {
	Name string

	Revisions   *revision.Engine
	Attachments *attachment.Manager
	Query       *query.Engine
	Catalog     *query.Catalog
	Conflicts   *conflict.Resolver
	Changes     *changefeed.Store
	Blobs       *blob.Store

	kv     *kvp.Store
	broker *changefeed.Broker
}

// open composes one Datastore rooted at dir, running every package's
// EnsureSchema as one ordered migration list — this is the one place in
// the module that assigns schema version numbers across packages, per
// each package's own "host assigns the version" contract.
func open(name, dir string, revisionLimit int) (*Datastore, error) {
	kv, err := kvp.Open(filepath.Join(dir, "meta.db"), []kvp.Migration{
		{Version: 1, Apply: revision.EnsureSchema},
		{Version: 2, Apply: changefeed.EnsureSchema},
		{Version: 3, Apply: blob.EnsureSchema},
		{Version: 4, Apply: query.EnsureSchema},
		{Version: 5, Apply: replicator.EnsureSchema},
	})
	if err != nil {
		return nil, err
	}

	blobs, err := blob.Open(filepath.Join(dir, "blobs"), kv, nil)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	broker := changefeed.NewBroker()
	revs := revision.New(kv, broker, revisionLimit)
	catalog := query.NewCatalog(kv)

	ds := &Datastore{
		Name:        name,
		Revisions:   revs,
		Attachments: attachment.NewManager(blobs),
		Query:       query.NewEngine(catalog, revs),
		Catalog:     catalog,
		Conflicts:   conflict.NewResolver(revs),
		Changes:     changefeed.NewStore(kv),
		Blobs:       blobs,
		kv:          kv,
		broker:      broker,
	}
	return ds, nil
}

// Close releases the datastore's resources. Safe to call once.
func (d *Datastore) Close() error {
	d.broker.Stop()
	return d.kv.Close()
}

// Checkpoints returns a replication checkpoint store backed by this
// datastore's kvp.Store, for constructing Pullers/Pushers.
func (d *Datastore) Checkpoints() *replicator.CheckpointStore {
	return replicator.NewCheckpointStore(d.kv)
}

// PutDocument creates docID (parent == nil) or updates it on top of
// parent, parsing any "_attachments" envelope in body and resolving it
// against the Blob Store before the revision is committed — attachment
// digests must be final before RevId is computed, since they're part of
// its hash input (spec.md §3).
func (d *Datastore) PutDocument(docID string, body json.RawMessage, parent *revision.RevID) (*revision.Revision, error) {
	pending, err := attachment.ParsePending(body)
	if err != nil {
		return nil, err
	}

	var parentAttachments map[string]revision.AttachmentDescriptor
	nextGen := uint64(1)
	if parent != nil {
		parentRev, err := d.Revisions.GetRev(docID, *parent)
		if err != nil {
			return nil, err
		}
		parentAttachments = parentRev.Attachments
		nextGen = parent.Generation + 1
	}

	descriptors, err := d.Attachments.BuildDescriptors(pending, parentAttachments, nextGen)
	if err != nil {
		return nil, err
	}

	var rev *revision.Revision
	if parent == nil {
		rev, err = d.Revisions.Create(docID, body, descriptors)
	} else {
		rev, err = d.Revisions.Update(docID, *parent, body, descriptors)
	}
	if err != nil {
		return nil, err
	}

	if err := d.Query.OnCommit(docID); err != nil {
		return nil, ferrors.Wrap(ferrors.DomainQuery, ferrors.KindTransient, "IndexUpdateFailed",
			"failed to update query indexes for "+docID, err)
	}
	return rev, nil
}

// DeleteDocument tombstones docID on top of parent.
func (d *Datastore) DeleteDocument(docID string, parent revision.RevID) (*revision.Revision, error) {
	rev, err := d.Revisions.Delete(docID, parent)
	if err != nil {
		return nil, err
	}
	if err := d.Query.OnCommit(docID); err != nil {
		return nil, ferrors.Wrap(ferrors.DomainQuery, ferrors.KindTransient, "IndexUpdateFailed",
			"failed to update query indexes for "+docID, err)
	}
	return rev, nil
}

// GetDocument returns docID's winning revision, along with its
// reconstructed attachment dictionary per opts.
func (d *Datastore) GetDocument(docID string, opts attachment.ContentOptions) (*revision.Revision, map[string]attachment.RenderedAttachment, error) {
	rev, err := d.Revisions.GetWinner(docID)
	if err != nil {
		return nil, nil, err
	}
	rendered, err := d.Attachments.Reconstruct(rev, opts, 0)
	if err != nil {
		return nil, nil, err
	}
	return rev, rendered, nil
}

// Compact runs the revision engine's compaction pass and then garbage
// collects any blob no longer referenced by a preserved revision.
func (d *Datastore) Compact() error {
	if err := d.Revisions.Compact(); err != nil {
		return err
	}
	all, err := d.Revisions.AllDocs(0, 0, false)
	if err != nil {
		return err
	}
	var keepFrom []*revision.Revision
	for _, winner := range all {
		leaves, err := d.Revisions.Leaves(winner.DocID)
		if err != nil {
			continue
		}
		for _, leaf := range leaves {
			history, err := d.Revisions.History(winner.DocID, leaf.RevID)
			if err != nil {
				continue
			}
			keepFrom = append(keepFrom, history...)
		}
	}
	keep, err := d.Attachments.KeepSet(keepFrom)
	if err != nil {
		return err
	}
	return d.Blobs.GC(keep)
}
