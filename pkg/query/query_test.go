package query

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/satchel/pkg/changefeed"
	"github.com/cuemby/satchel/pkg/kvp"
	"github.com/cuemby/satchel/pkg/revision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueryEngine(t *testing.T) (*Engine, *Catalog, *revision.Engine) {
	t.Helper()
	dir := t.TempDir()
	kv, err := kvp.Open(filepath.Join(dir, "store.db"), []kvp.Migration{
		{Version: 1, Apply: revision.EnsureSchema},
		{Version: 2, Apply: changefeed.EnsureSchema},
		{Version: 3, Apply: EnsureSchema},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	revs := revision.New(kv, nil, 0)
	catalog := NewCatalog(kv)
	return NewEngine(catalog, revs), catalog, revs
}

func TestNormalizeSimpleEquality(t *testing.T) {
	dnf, err := Normalize(map[string]interface{}{"name": "x"})
	require.NoError(t, err)
	require.Len(t, dnf, 1)
	assert.Equal(t, Predicate{Field: "name", Op: "$eq", Value: "x"}, dnf[0][0])
}

func TestNormalizeOrConcatenates(t *testing.T) {
	dnf, err := Normalize(map[string]interface{}{
		"$or": []interface{}{
			map[string]interface{}{"a": 1.0},
			map[string]interface{}{"b": 2.0},
		},
	})
	require.NoError(t, err)
	assert.Len(t, dnf, 2)
}

func TestNormalizeAndDistributes(t *testing.T) {
	dnf, err := Normalize(map[string]interface{}{
		"$and": []interface{}{
			map[string]interface{}{"$or": []interface{}{
				map[string]interface{}{"a": 1.0},
				map[string]interface{}{"a": 2.0},
			}},
			map[string]interface{}{"b": 3.0},
		},
	})
	require.NoError(t, err)
	require.Len(t, dnf, 2)
	for _, c := range dnf {
		assert.Len(t, c, 2)
	}
}

func TestEnsureIndexedIsIdempotent(t *testing.T) {
	_, catalog, _ := newTestQueryEngine(t)

	name1, err := catalog.EnsureIndexed("by_name", IndexKindJSON, []string{"name"}, "")
	require.NoError(t, err)
	name2, err := catalog.EnsureIndexed("by_name", IndexKindJSON, []string{"name"}, "")
	require.NoError(t, err)
	assert.Equal(t, name1, name2)
}

func TestQueryUsesIndexAndMatchesReferenceEvaluator(t *testing.T) {
	e, catalog, revs := newTestQueryEngine(t)

	_, err := catalog.EnsureIndexed("by_name_age", IndexKindJSON, []string{"name", "age"}, "")
	require.NoError(t, err)

	docs := []struct {
		id   string
		body string
	}{
		{"1", `{"name":"x","age":40}`},
		{"2", `{"name":"x","age":20}`},
		{"3", `{"name":"y","age":50}`},
	}
	var all []*revision.Revision
	for _, d := range docs {
		rev, err := revs.Create(d.id, []byte(d.body), nil)
		require.NoError(t, err)
		require.NoError(t, e.OnCommit(d.id))
		all = append(all, rev)
	}

	selector := map[string]interface{}{"name": "x", "age": map[string]interface{}{"$gt": 30.0}}
	got, err := e.Query(selector, nil, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].DocID)

	expected, err := ReferenceEvaluate(all, selector)
	require.NoError(t, err)
	require.Len(t, expected, 1)
	assert.Equal(t, expected[0].DocID, got[0].DocID)
}

func TestQueryWithoutUsableIndexFails(t *testing.T) {
	e, _, revs := newTestQueryEngine(t)
	_, err := revs.Create("1", []byte(`{"name":"x"}`), nil)
	require.NoError(t, err)

	_, err = e.Query(map[string]interface{}{"name": "x"}, nil, 0)
	require.Error(t, err)
}

func TestQuerySortRequiresIndexCoverage(t *testing.T) {
	e, catalog, _ := newTestQueryEngine(t)
	_, err := catalog.EnsureIndexed("by_name", IndexKindJSON, []string{"name"}, "")
	require.NoError(t, err)

	_, err = e.Query(map[string]interface{}{"name": "x"}, []string{"unindexed_field"}, 0)
	require.Error(t, err)
}

func TestNotNegatesSimplePredicate(t *testing.T) {
	dnf, err := Normalize(map[string]interface{}{
		"$not": map[string]interface{}{"age": map[string]interface{}{"$gt": 10.0}},
	})
	require.NoError(t, err)
	require.Len(t, dnf, 1)
	assert.Equal(t, "$lte", dnf[0][0].Op)
}
