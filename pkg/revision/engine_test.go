package revision

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/cuemby/satchel/pkg/changefeed"
	"github.com/cuemby/satchel/pkg/kvp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	kv, err := kvp.Open(filepath.Join(dir, "rev.db"), []kvp.Migration{
		{Version: 1, Apply: EnsureSchema},
		{Version: 2, Apply: changefeed.EnsureSchema},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	feed := changefeed.NewBroker()
	t.Cleanup(feed.Stop)
	return New(kv, feed, 0)
}

func body(s string) json.RawMessage { return json.RawMessage(s) }

func TestCreateAssignsFirstGeneration(t *testing.T) {
	e := newTestEngine(t)

	rev, err := e.Create("doc1", body(`{"name":"a"}`), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev.RevID.Generation)
	assert.NotEmpty(t, rev.RevID.Hash)
}

func TestCreateConflictsWhenLiveDocExists(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Create("doc1", body(`{}`), nil)
	require.NoError(t, err)

	_, err = e.Create("doc1", body(`{}`), nil)
	require.Error(t, err)
}

func TestUpdateAdvancesWinner(t *testing.T) {
	e := newTestEngine(t)

	r1, err := e.Create("doc1", body(`{"v":1}`), nil)
	require.NoError(t, err)

	r2, err := e.Update("doc1", r1.RevID, body(`{"v":2}`), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r2.RevID.Generation)

	winner, err := e.GetWinner("doc1")
	require.NoError(t, err)
	assert.Equal(t, r2.RevID, winner.RevID)
}

func TestUpdateConflictsOnStaleParent(t *testing.T) {
	e := newTestEngine(t)

	r1, err := e.Create("doc1", body(`{"v":1}`), nil)
	require.NoError(t, err)
	_, err = e.Update("doc1", r1.RevID, body(`{"v":2}`), nil)
	require.NoError(t, err)

	_, err = e.Update("doc1", r1.RevID, body(`{"v":3}`), nil)
	require.Error(t, err, "updating against a non-leaf parent must conflict")
}

func TestDeleteProducesTombstoneAndClearsWinner(t *testing.T) {
	e := newTestEngine(t)

	r1, err := e.Create("doc1", body(`{}`), nil)
	require.NoError(t, err)
	tomb, err := e.Delete("doc1", r1.RevID)
	require.NoError(t, err)
	assert.True(t, tomb.Deleted)

	winner, err := e.GetWinner("doc1")
	require.NoError(t, err)
	assert.True(t, winner.Deleted)

	_, err = e.Create("doc1", body(`{"resurrected":true}`), nil)
	require.NoError(t, err, "create must succeed once every leaf is deleted")
}

func TestConflictFromDivergentUpdatesPicksDeterministicWinner(t *testing.T) {
	e := newTestEngine(t)

	r1, err := e.Create("doc1", body(`{"v":1}`), nil)
	require.NoError(t, err)

	a, err := e.Update("doc1", r1.RevID, body(`{"v":"a"}`), nil)
	require.NoError(t, err)
	// r1 is no longer a leaf, so the sibling arrives as a replicated revision.
	b := Revision{DocID: "doc1", RevID: RevID{Generation: 2, Hash: "bbbb"}, Body: body(`{"v":"b"}`)}
	require.NoError(t, e.ForceInsert(b, []RevID{r1.RevID}))

	leaves, err := e.Leaves("doc1")
	require.NoError(t, err)
	require.Len(t, leaves, 2, "a local update and a replicated sibling on the same parent must both survive as leaves")

	winner, err := e.GetWinner("doc1")
	require.NoError(t, err)

	expected := a.RevID
	if b.RevID.String() > a.RevID.String() {
		expected = b.RevID
	}
	assert.Equal(t, expected, winner.RevID, "winner must be the lexicographically greatest rev id among tied-generation leaves")
}

func TestForceInsertIsIdempotent(t *testing.T) {
	e := newTestEngine(t)

	rev := Revision{DocID: "doc1", RevID: RevID{Generation: 1, Hash: "aaaa"}, Body: body(`{}`)}
	require.NoError(t, e.ForceInsert(rev, nil))

	fetched, err := e.GetRev("doc1", rev.RevID)
	require.NoError(t, err)
	seqAfterFirst := fetched.Sequence

	require.NoError(t, e.ForceInsert(rev, nil))
	fetched2, err := e.GetRev("doc1", rev.RevID)
	require.NoError(t, err)
	assert.Equal(t, seqAfterFirst, fetched2.Sequence, "re-inserting an existing revision must not assign a new sequence")
}

func TestForceInsertGraftsAtDeepestPresentAncestor(t *testing.T) {
	e := newTestEngine(t)

	root := Revision{DocID: "doc1", RevID: RevID{Generation: 1, Hash: "r0"}, Body: body(`{}`)}
	require.NoError(t, e.ForceInsert(root, nil))

	mid := RevID{Generation: 2, Hash: "r1"}
	leaf := Revision{DocID: "doc1", RevID: RevID{Generation: 3, Hash: "r2"}, Body: body(`{}`)}
	// mid is absent: history lists root, mid; only root is present, so leaf
	// must graft onto root even though mid is its nominal parent.
	require.NoError(t, e.ForceInsert(leaf, []RevID{root.RevID, mid}))

	fetched, err := e.GetRev("doc1", leaf.RevID)
	require.NoError(t, err)
	require.NotNil(t, fetched.ParentRev)
	assert.Equal(t, root.RevID, *fetched.ParentRev)
}

func TestHistoryWalksToRoot(t *testing.T) {
	e := newTestEngine(t)

	r1, err := e.Create("doc1", body(`{"v":1}`), nil)
	require.NoError(t, err)
	r2, err := e.Update("doc1", r1.RevID, body(`{"v":2}`), nil)
	require.NoError(t, err)
	r3, err := e.Update("doc1", r2.RevID, body(`{"v":3}`), nil)
	require.NoError(t, err)

	chain, err := e.History("doc1", r3.RevID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, r3.RevID, chain[0].RevID)
	assert.Equal(t, r2.RevID, chain[1].RevID)
	assert.Equal(t, r1.RevID, chain[2].RevID)
}

func TestAllDocsPagesWinners(t *testing.T) {
	e := newTestEngine(t)

	for _, id := range []string{"a", "b", "c"} {
		_, err := e.Create(id, body(`{}`), nil)
		require.NoError(t, err)
	}

	page, err := e.AllDocs(0, 2, false)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a", page[0].DocID)
	assert.Equal(t, "b", page[1].DocID)

	rest, err := e.AllDocs(2, 0, false)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", rest[0].DocID)
}

func TestCompactPreservesLeavesAndPrunesOldBodies(t *testing.T) {
	e := newTestEngine(t)

	r1, err := e.Create("doc1", body(`{"v":1}`), nil)
	require.NoError(t, err)
	r2, err := e.Update("doc1", r1.RevID, body(`{"v":2}`), nil)
	require.NoError(t, err)
	r3, err := e.Update("doc1", r2.RevID, body(`{"v":3}`), nil)
	require.NoError(t, err)

	leavesBefore, err := e.Leaves("doc1")
	require.NoError(t, err)
	winnerBefore, err := e.GetWinner("doc1")
	require.NoError(t, err)

	require.NoError(t, e.Compact())

	leaf, err := e.GetRev("doc1", r3.RevID)
	require.NoError(t, err)
	assert.NotNil(t, leaf.Body, "leaf revision body must survive compaction")

	root, err := e.GetRev("doc1", r1.RevID)
	require.NoError(t, err)
	assert.Nil(t, root.Body, "non-leaf ancestor bodies must be nulled by compaction")

	mid, err := e.GetRev("doc1", r2.RevID)
	require.NoError(t, err)
	assert.Nil(t, mid.Body)

	chain, err := e.History("doc1", r3.RevID)
	require.NoError(t, err)
	assert.Len(t, chain, 3, "history must still list every ancestor after compaction")

	leavesAfter, err := e.Leaves("doc1")
	require.NoError(t, err)
	assert.ElementsMatch(t, revIDs(leavesBefore), revIDs(leavesAfter), "leaf set must be unchanged by compaction")

	winnerAfter, err := e.GetWinner("doc1")
	require.NoError(t, err)
	assert.Equal(t, winnerBefore.RevID, winnerAfter.RevID, "winner must be unchanged by compaction")
}

func revIDs(revs []*Revision) []RevID {
	out := make([]RevID, len(revs))
	for i, r := range revs {
		out[i] = r.RevID
	}
	return out
}

func TestCompactDeletesNonLeafRevisionsBeyondLimit(t *testing.T) {
	e := newTestEngine(t)
	e.revisionLimit = 1

	r1, err := e.Create("doc1", body(`{"v":1}`), nil)
	require.NoError(t, err)
	r2, err := e.Update("doc1", r1.RevID, body(`{"v":2}`), nil)
	require.NoError(t, err)
	r3, err := e.Update("doc1", r2.RevID, body(`{"v":3}`), nil)
	require.NoError(t, err)

	require.NoError(t, e.Compact())

	_, err = e.GetRev("doc1", r3.RevID)
	require.NoError(t, err, "leaf must survive regardless of depth limit")

	_, err = e.GetRev("doc1", r1.RevID)
	assert.Error(t, err, "ancestors beyond the depth limit that are not leaves must be deleted")
}

func TestPurgeRemovesEntireDocument(t *testing.T) {
	e := newTestEngine(t)

	r1, err := e.Create("doc1", body(`{}`), nil)
	require.NoError(t, err)
	_, err = e.Update("doc1", r1.RevID, body(`{"v":2}`), nil)
	require.NoError(t, err)

	require.NoError(t, e.Purge("doc1"))

	_, err = e.GetWinner("doc1")
	assert.Error(t, err)
	leaves, err := e.Leaves("doc1")
	require.NoError(t, err)
	assert.Empty(t, leaves)
}

func TestSubscribersReceiveCommittedChanges(t *testing.T) {
	e := newTestEngine(t)
	sub := e.feed.Subscribe()
	defer e.feed.Unsubscribe(sub)

	_, err := e.Create("doc1", body(`{}`), nil)
	require.NoError(t, err)

	select {
	case entry := <-sub:
		assert.Equal(t, "doc1", entry.DocID)
	default:
		t.Fatal("expected a change feed entry after Create")
	}
}
