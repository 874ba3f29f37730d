/*
Package query implements satchel's secondary indexing and selector
evaluation (spec.md §4.6): named indexes over dotted JSON field paths,
a planner translating a selector into an index scan plus residual
predicates, and a reference evaluator that checks candidates against
the full conjunct and serves as the oracle selector equivalence is
checked against. A conjunct no index covers is not answered by a full
scan; Query reports NoUsableIndex instead.

Index rows live in KVP compound-key buckets rather than a SQL table —
satchel has no relational engine to speak of (spec.md §4.1 is a single
embedded key-value file) — so "covering index" here means "a bucket
whose key ordering lets predicates over its leading fields be answered
by a bounded cursor scan," the bbolt analogue of a SQL range scan over
a composite index.
*/
package query

import "github.com/cuemby/satchel/pkg/ferrors"

// IndexKind distinguishes a JSON field index from a full-text index.
type IndexKind string

const (
	IndexKindJSON IndexKind = "json"
	IndexKindText IndexKind = "text"
)

// IndexDef describes one named secondary index.
type IndexDef struct {
	Name      string    `json:"name"`
	Kind      IndexKind `json:"kind"`
	Fields    []string  `json:"fields"` // dotted paths, in index order
	Tokenizer string    `json:"tokenizer,omitempty"`
	Locale    string    `json:"locale,omitempty"`
}

func (d IndexDef) sameFields(fields []string) bool {
	if len(d.Fields) != len(fields) {
		return false
	}
	for i := range fields {
		if d.Fields[i] != fields[i] {
			return false
		}
	}
	return true
}

// Predicate is one field-level test extracted from a selector.
type Predicate struct {
	Field string
	Op    string
	Value interface{}
}

// Conjunct is a set of predicates implicitly AND-ed together.
type Conjunct []Predicate

// Plan describes how one conjunct will be evaluated.
type Plan struct {
	Index    *IndexDef
	Covered  []Predicate
	Residual []Predicate
}

func errInvalidSelector(reason string) error {
	return ferrors.New(ferrors.DomainQuery, ferrors.KindConfiguration, "InvalidSelector", reason)
}

func errInvalidField(field string) error {
	return ferrors.New(ferrors.DomainQuery, ferrors.KindConfiguration, "InvalidField", "field path is invalid: "+field)
}

func errNoUsableIndex(reason string) error {
	return ferrors.New(ferrors.DomainQuery, ferrors.KindConfiguration, "NoUsableIndex", reason)
}

func errUnsupportedSort(reason string) error {
	return ferrors.New(ferrors.DomainQuery, ferrors.KindConfiguration, "UnsupportedSort", reason)
}
