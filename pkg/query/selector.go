package query

import "strings"

var comparisonOps = map[string]bool{
	"$eq": true, "$ne": true, "$lt": true, "$lte": true, "$gt": true, "$gte": true,
	"$in": true, "$nin": true, "$exists": true, "$mod": true, "$size": true,
	"$type": true, "$regex": true, "$text": true,
}

// Normalize converts a JSON selector into disjunctive normal form: a list
// of conjuncts, each an implicit AND of Predicates. $and distributes
// (cross product) across its branches' own DNF; $or concatenates;
// $not is supported only over a single simple field predicate, which
// covers every case spec.md's selector grammar requires operators to
// have an inverse for.
func Normalize(selector map[string]interface{}) ([]Conjunct, error) {
	if and, ok := selector["$and"]; ok {
		branches, ok := and.([]interface{})
		if !ok {
			return nil, errInvalidSelector("$and must be an array")
		}
		var dnfs [][]Conjunct
		for _, b := range branches {
			bm, ok := b.(map[string]interface{})
			if !ok {
				return nil, errInvalidSelector("$and branch must be an object")
			}
			sub, err := Normalize(bm)
			if err != nil {
				return nil, err
			}
			dnfs = append(dnfs, sub)
		}
		return crossProduct(dnfs), nil
	}

	if or, ok := selector["$or"]; ok {
		branches, ok := or.([]interface{})
		if !ok {
			return nil, errInvalidSelector("$or must be an array")
		}
		var out []Conjunct
		for _, b := range branches {
			bm, ok := b.(map[string]interface{})
			if !ok {
				return nil, errInvalidSelector("$or branch must be an object")
			}
			sub, err := Normalize(bm)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
		return out, nil
	}

	if not, ok := selector["$not"]; ok {
		sub, ok := not.(map[string]interface{})
		if !ok {
			return nil, errInvalidSelector("$not must be an object")
		}
		leaf, err := parseLeaf(sub)
		if err != nil {
			return nil, err
		}
		if len(leaf) != 1 {
			return nil, errInvalidSelector("$not supports exactly one field predicate")
		}
		negated, err := negate(leaf[0])
		if err != nil {
			return nil, err
		}
		return []Conjunct{{negated}}, nil
	}

	leaf, err := parseLeaf(selector)
	if err != nil {
		return nil, err
	}
	return []Conjunct{leaf}, nil
}

func parseLeaf(selector map[string]interface{}) (Conjunct, error) {
	var out Conjunct
	for field, raw := range selector {
		if strings.HasPrefix(field, "$") {
			return nil, errInvalidSelector("unexpected combinator " + field + " inside a field predicate")
		}
		if strings.Contains(field, "$") {
			return nil, errInvalidField(field)
		}

		switch v := raw.(type) {
		case map[string]interface{}:
			if len(v) == 0 {
				return nil, errInvalidSelector("empty predicate object for field " + field)
			}
			for op, val := range v {
				if !comparisonOps[op] {
					return nil, errInvalidSelector("unknown operator " + op)
				}
				out = append(out, Predicate{Field: field, Op: op, Value: val})
			}
		default:
			out = append(out, Predicate{Field: field, Op: "$eq", Value: v})
		}
	}
	return out, nil
}

func negate(p Predicate) (Predicate, error) {
	inverse := map[string]string{
		"$eq": "$ne", "$ne": "$eq",
		"$lt": "$gte", "$gte": "$lt",
		"$lte": "$gt", "$gt": "$lte",
		"$in": "$nin", "$nin": "$in",
	}
	if p.Op == "$exists" {
		b, _ := p.Value.(bool)
		return Predicate{Field: p.Field, Op: "$exists", Value: !b}, nil
	}
	inv, ok := inverse[p.Op]
	if !ok {
		return Predicate{}, errInvalidSelector("$not does not support operator " + p.Op)
	}
	return Predicate{Field: p.Field, Op: inv, Value: p.Value}, nil
}

// crossProduct distributes n independent DNFs across each other,
// producing the DNF of their conjunction.
func crossProduct(dnfs [][]Conjunct) []Conjunct {
	if len(dnfs) == 0 {
		return nil
	}
	result := dnfs[0]
	for _, next := range dnfs[1:] {
		var merged []Conjunct
		for _, a := range result {
			for _, b := range next {
				combined := make(Conjunct, 0, len(a)+len(b))
				combined = append(combined, a...)
				combined = append(combined, b...)
				merged = append(merged, combined)
			}
		}
		result = merged
	}
	return result
}
