package query

import (
	"encoding/json"
	"sort"

	"github.com/cuemby/satchel/pkg/metrics"
	"github.com/cuemby/satchel/pkg/revision"
)

// Engine evaluates selectors against a revision.Engine's winning
// revisions, using Catalog indexes to narrow candidates per conjunct.
type Engine struct {
	catalog *Catalog
	revs    *revision.Engine
}

// NewEngine ties a Catalog to the revision engine it indexes.
func NewEngine(catalog *Catalog, revs *revision.Engine) *Engine {
	return &Engine{catalog: catalog, revs: revs}
}

// OnCommit is called by a host after every revision commit to keep
// indexes current: re-derive the winning revision's field values and
// upsert its index rows. Cheap no-op if the document has no indexed
// fields.
func (e *Engine) OnCommit(docID string) error {
	winner, err := e.revs.GetWinner(docID)
	if err != nil {
		return err
	}
	if winner.Deleted || winner.Body == nil {
		return e.catalog.Remove(docID)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(winner.Body, &doc); err != nil {
		return nil // non-object bodies are simply unindexable, not an error
	}
	return e.catalog.Upsert(docID, flatten(doc, ""))
}

// flatten turns a nested JSON object into a dotted-path -> leaf-value
// map, matching the field path convention ensure_indexed uses.
func flatten(m map[string]interface{}, prefix string) map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			for nk, nv := range flatten(nested, path) {
				out[nk] = nv
			}
			continue
		}
		out[path] = v
	}
	return out
}

// Query implements spec.md §4.6's query evaluation: normalize to DNF,
// plan and scan each conjunct, union the results, apply sort (which must
// be fully index-covered) and limit.
func (e *Engine) Query(selector map[string]interface{}, sortFields []string, limit int) ([]*revision.Revision, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.QueryDuration, "index")

	dnf, err := Normalize(selector)
	if err != nil {
		return nil, err
	}

	indexes, err := e.catalog.Indexes()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var results []*revision.Revision
	for _, conjunct := range dnf {
		plan, err := planConjunct(indexes, conjunct)
		if err != nil {
			return nil, err
		}
		if !sortCoveredByPlan(plan, sortFields) {
			return nil, errUnsupportedSort("sort fields " + joinFields(sortFields) + " are not covered by the index chosen for this selector")
		}

		prefixValues := make([]string, len(plan.Covered))
		for i, p := range plan.Covered {
			prefixValues[i] = encodeValue(p.Value)
		}
		docIDs, err := e.catalog.scanPrefix(plan.Index.Name, prefixValues)
		if err != nil {
			return nil, err
		}

		for _, docID := range docIDs {
			if seen[docID] {
				continue
			}
			winner, err := e.revs.GetWinner(docID)
			if err != nil {
				continue // index row stale (e.g. doc purged since last maintenance)
			}
			var doc map[string]interface{}
			if err := json.Unmarshal(winner.Body, &doc); err != nil {
				continue
			}
			if !MatchesConjunct(doc, conjunct) {
				continue
			}
			seen[docID] = true
			results = append(results, winner)
		}
	}

	if len(sortFields) > 0 {
		sortRevisions(results, sortFields)
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func sortRevisions(revs []*revision.Revision, fields []string) {
	sort.SliceStable(revs, func(i, j int) bool {
		var a, b map[string]interface{}
		_ = json.Unmarshal(revs[i].Body, &a)
		_ = json.Unmarshal(revs[j].Body, &b)
		for _, f := range fields {
			av, _ := fieldValue(a, f)
			bv, _ := fieldValue(b, f)
			c := compare(av, bv)
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
}

func joinFields(fields []string) string {
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += ","
		}
		out += f
	}
	return out
}

// ReferenceEvaluate is the brute-force oracle: match every supplied
// revision's body against selector with no index involvement at all.
// Used by tests to assert selector equivalence (spec.md invariant 9).
func ReferenceEvaluate(revs []*revision.Revision, selector map[string]interface{}) ([]*revision.Revision, error) {
	dnf, err := Normalize(selector)
	if err != nil {
		return nil, err
	}
	var out []*revision.Revision
	for _, r := range revs {
		if r.Deleted || r.Body == nil {
			continue
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(r.Body, &doc); err != nil {
			continue
		}
		if MatchesAny(doc, dnf) {
			out = append(out, r)
		}
	}
	return out, nil
}
