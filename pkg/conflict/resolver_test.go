package conflict

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/satchel/pkg/changefeed"
	"github.com/cuemby/satchel/pkg/kvp"
	"github.com/cuemby/satchel/pkg/revision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) (*Resolver, *revision.Engine) {
	t.Helper()
	dir := t.TempDir()
	kv, err := kvp.Open(filepath.Join(dir, "rev.db"), []kvp.Migration{
		{Version: 1, Apply: revision.EnsureSchema},
		{Version: 2, Apply: changefeed.EnsureSchema},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	engine := revision.New(kv, nil, 0)
	return NewResolver(engine), engine
}

func makeConflict(t *testing.T, engine *revision.Engine) (*revision.Revision, *revision.Revision) {
	t.Helper()
	root, err := engine.Create("doc1", []byte(`{"v":0}`), nil)
	require.NoError(t, err)
	a, err := engine.Update("doc1", root.RevID, []byte(`{"v":"a"}`), nil)
	require.NoError(t, err)
	// A second local Update on root would conflict (root is no longer a
	// leaf), so the sibling arrives the way a replicated revision does.
	b := revision.Revision{DocID: "doc1", RevID: revision.RevID{Generation: 2, Hash: "bbbb"}, Body: []byte(`{"v":"b"}`)}
	require.NoError(t, engine.ForceInsert(b, []revision.RevID{root.RevID}))
	return a, &b
}

func TestLeavesReturnsOnlyNonDeleted(t *testing.T) {
	r, engine := newTestResolver(t)
	a, b := makeConflict(t, engine)

	leaves, err := r.Leaves("doc1")
	require.NoError(t, err)
	assert.Len(t, leaves, 2)
	assert.ElementsMatch(t, []revision.RevID{a.RevID, b.RevID}, []revision.RevID{leaves[0].RevID, leaves[1].RevID})
}

func TestResolvePickLeafTombstonesOthers(t *testing.T) {
	r, engine := newTestResolver(t)
	a, b := makeConflict(t, engine)

	survivor, err := r.Resolve("doc1", Decision{PickLeaf: &a.RevID})
	require.NoError(t, err)
	assert.Equal(t, a.RevID, survivor.RevID)

	winner, err := engine.GetWinner("doc1")
	require.NoError(t, err)
	assert.Equal(t, a.RevID, winner.RevID)

	leaves, err := r.Leaves("doc1")
	require.NoError(t, err)
	assert.Len(t, leaves, 1, "losing branch must be tombstoned, leaving one live leaf")

	_ = b
}

func TestResolveNewBodyTombstonesAllLeaves(t *testing.T) {
	r, engine := newTestResolver(t)
	a, _ := makeConflict(t, engine)

	merged, err := r.Resolve("doc1", Decision{NewBody: []byte(`{"v":"merged"}`), NewBodyParent: a.RevID})
	require.NoError(t, err)

	winner, err := engine.GetWinner("doc1")
	require.NoError(t, err)
	assert.Equal(t, merged.RevID, winner.RevID)

	leaves, err := r.Leaves("doc1")
	require.NoError(t, err)
	require.Len(t, leaves, 1, "all prior leaves must be tombstoned once a merged body is applied")
	assert.Equal(t, merged.RevID, leaves[0].RevID, "only the merged revision stays a live leaf")
}

func TestResolveRejectsUnconflictedDocument(t *testing.T) {
	r, engine := newTestResolver(t)
	root, err := engine.Create("doc1", []byte(`{}`), nil)
	require.NoError(t, err)

	_, err = r.Resolve("doc1", Decision{PickLeaf: &root.RevID})
	require.Error(t, err)
}
