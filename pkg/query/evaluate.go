package query

import (
	"fmt"
	"regexp"
	"strings"
)

// fieldValue resolves a dotted JSON path against a decoded document.
func fieldValue(doc map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = doc
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// MatchesConjunct is the reference evaluator: every predicate in
// conjunct is tested directly against doc, independent of any index.
// Query checks every index-scan candidate against the whole conjunct
// this way, so the planner's residual predicates are covered too.
func MatchesConjunct(doc map[string]interface{}, conjunct Conjunct) bool {
	for _, p := range conjunct {
		if !matchPredicate(doc, p) {
			return false
		}
	}
	return true
}

// MatchesAny evaluates an entire DNF selector (a disjunction of
// conjuncts) against doc.
func MatchesAny(doc map[string]interface{}, dnf []Conjunct) bool {
	for _, c := range dnf {
		if MatchesConjunct(doc, c) {
			return true
		}
	}
	return false
}

func matchPredicate(doc map[string]interface{}, p Predicate) bool {
	val, exists := fieldValue(doc, p.Field)

	switch p.Op {
	case "$exists":
		want, _ := p.Value.(bool)
		return exists == want
	case "$eq":
		return exists && equal(val, p.Value)
	case "$ne":
		return !exists || !equal(val, p.Value)
	case "$lt":
		return exists && compare(val, p.Value) < 0
	case "$lte":
		return exists && compare(val, p.Value) <= 0
	case "$gt":
		return exists && compare(val, p.Value) > 0
	case "$gte":
		return exists && compare(val, p.Value) >= 0
	case "$in":
		if !exists {
			return false
		}
		return containsAny(p.Value, val)
	case "$nin":
		if !exists {
			return true
		}
		return !containsAny(p.Value, val)
	case "$mod":
		return exists && matchMod(val, p.Value)
	case "$size":
		arr, ok := val.([]interface{})
		n, numOK := asFloat(p.Value)
		return exists && ok && numOK && float64(len(arr)) == n
	case "$type":
		return exists && typeName(val) == fmt.Sprint(p.Value)
	case "$regex":
		s, ok := val.(string)
		pattern, _ := p.Value.(string)
		if !ok || !exists {
			return false
		}
		re, err := regexp.Compile(pattern)
		return err == nil && re.MatchString(s)
	case "$text":
		s, ok := val.(string)
		needle, _ := p.Value.(string)
		return exists && ok && strings.Contains(strings.ToLower(s), strings.ToLower(needle))
	default:
		return false
	}
}

func equal(a, b interface{}) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compare(a, b interface{}) int {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	return strings.Compare(as, bs)
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func containsAny(set interface{}, val interface{}) bool {
	arr, ok := set.([]interface{})
	if !ok {
		return false
	}
	for _, v := range arr {
		if equal(v, val) {
			return true
		}
	}
	return false
}

func matchMod(val, spec interface{}) bool {
	pair, ok := spec.([]interface{})
	if !ok || len(pair) != 2 {
		return false
	}
	v, vok := asFloat(val)
	divisor, dok := asFloat(pair[0])
	remainder, rok := asFloat(pair[1])
	if !vok || !dok || !rok || divisor == 0 {
		return false
	}
	return int64(v)%int64(divisor) == int64(remainder)
}

func typeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return "unknown"
	}
}
