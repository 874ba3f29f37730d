package query

// planConjunct chooses a covering index for conjunct, per spec.md §4.6: the
// covered predicates are the maximal leading run of $eq predicates whose
// fields match an index's field order from the start — that prefix is
// what a compound bbolt key ordered by (field1, field2, ...) can answer
// with a bounded cursor scan. Everything else, including any predicate
// on a field beyond the first gap and every non-equality operator,
// becomes residual and is evaluated against the full document body.
//
// Among indexes that cover at least one predicate, the planner prefers
// the one covering the most predicates, tie-breaking on fewest total
// fields (the narrower index is cheaper to scan and maintain).
func planConjunct(indexes []IndexDef, conjunct Conjunct) (*Plan, error) {
	byField := make(map[string]Predicate, len(conjunct))
	for _, p := range conjunct {
		// last predicate per field wins if duplicated; callers should not
		// normally supply two predicates for the same field on the same op.
		byField[p.Field] = p
	}

	var best *Plan
	for i := range indexes {
		def := indexes[i]
		if def.Kind != IndexKindJSON {
			continue
		}
		var covered []Predicate
		for _, f := range def.Fields {
			p, ok := byField[f]
			if !ok || p.Op != "$eq" {
				break
			}
			covered = append(covered, p)
		}
		if len(covered) == 0 {
			continue
		}
		if best == nil || len(covered) > len(best.Covered) ||
			(len(covered) == len(best.Covered) && len(def.Fields) < len(best.Index.Fields)) {
			coveredSet := make(map[string]bool, len(covered))
			for _, p := range covered {
				coveredSet[p.Field] = true
			}
			var residual []Predicate
			for _, p := range conjunct {
				if !coveredSet[p.Field] {
					residual = append(residual, p)
				}
			}
			idx := def
			best = &Plan{Index: &idx, Covered: covered, Residual: residual}
		}
	}

	if best == nil {
		return nil, errNoUsableIndex("no index covers any equality prefix of the conjunct's fields")
	}
	return best, nil
}

// sortCoveredByPlan reports whether sortFields is satisfied by plan's
// index once its equality-covered prefix is pinned: an index's physical
// row order is (Fields[0], Fields[1], ...), so once the leading
// len(plan.Covered) fields are fixed by $eq predicates, the rows are
// already ordered by whatever fields follow. A sort is covered only if
// sortFields matches that continuation exactly — sortFields alone being
// a literal index prefix is not enough once a predicate has pinned
// earlier fields (spec.md §8 S5: index [name,age], equality on name,
// sorted by age).
func sortCoveredByPlan(plan *Plan, sortFields []string) bool {
	if len(sortFields) == 0 {
		return true
	}
	fields := plan.Index.Fields
	offset := len(plan.Covered)
	if len(fields) < offset+len(sortFields) {
		return false
	}
	for i, f := range sortFields {
		if fields[offset+i] != f {
			return false
		}
	}
	return true
}
