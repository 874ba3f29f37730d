package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/satchel/pkg/kvp"
	"github.com/cuemby/satchel/pkg/metrics"
)

const (
	metaBucket       = "query_index_meta"
	rowOwnersBucket  = "query_index_rows_by_doc" // doc_id -> JSON list of (index, key) rows this doc owns, for precise deletes
	indexBucketPrefix = "query_index_"
)

func indexBucketName(name string) string { return indexBucketPrefix + name }

// EnsureSchema creates the catalog's own bookkeeping buckets. Per-index
// data buckets are created lazily by EnsureIndexed.
func EnsureSchema(tx *kvp.Tx) error {
	for _, b := range []string{metaBucket, rowOwnersBucket} {
		if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
			return err
		}
	}
	return nil
}

// Catalog owns index definitions and their backing KVP buckets.
type Catalog struct {
	kv *kvp.Store
}

// NewCatalog wraps kv for index management.
func NewCatalog(kv *kvp.Store) *Catalog {
	return &Catalog{kv: kv}
}

func validateFields(fields []string) error {
	if len(fields) == 0 {
		return errInvalidSelector("index must name at least one field")
	}
	for _, f := range fields {
		if strings.Contains(f, "$") {
			return errInvalidField(f)
		}
	}
	return nil
}

func deriveName(fields []string) string {
	return "idx_" + strings.Join(fields, "_")
}

// EnsureIndexed implements spec.md §4.6's ensure_indexed: idempotent by
// (name, fields) — same fields under an existing name is a no-op; a name
// collision with a different field set drops and recreates the index.
func (c *Catalog) EnsureIndexed(name string, kind IndexKind, fields []string, tokenizer string) (string, error) {
	if err := validateFields(fields); err != nil {
		return "", err
	}
	if name == "" {
		name = deriveName(fields)
	}

	var result string
	err := c.kv.RunWrite(func(tx *kvp.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		def := IndexDef{Name: name, Kind: kind, Fields: fields, Tokenizer: tokenizer}

		if raw := meta.Get([]byte(name)); raw != nil {
			var existing IndexDef
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			if existing.sameFields(fields) && existing.Kind == kind {
				result = name
				return nil
			}
			if _, err := tx.CreateBucketIfNotExists([]byte(indexBucketName(name))); err == nil {
				_ = dropBucketContents(tx, indexBucketName(name))
			}
		}

		if _, err := tx.CreateBucketIfNotExists([]byte(indexBucketName(name))); err != nil {
			return err
		}
		raw, err := json.Marshal(def)
		if err != nil {
			return err
		}
		if err := meta.Put([]byte(name), raw); err != nil {
			return err
		}
		result = name
		metrics.IndexRowsTotal.WithLabelValues(name).Set(0)
		return nil
	})
	return result, err
}

func dropBucketContents(tx *kvp.Tx, bucketName string) error {
	b := tx.Bucket([]byte(bucketName))
	if b == nil {
		return nil
	}
	var keys [][]byte
	_ = b.ForEach(func(k, _ []byte) error {
		keys = append(keys, append([]byte(nil), k...))
		return nil
	})
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Indexes returns every registered index definition.
func (c *Catalog) Indexes() ([]IndexDef, error) {
	var out []IndexDef
	err := c.kv.RunRead(func(tx *kvp.Tx) error {
		b := tx.Bucket([]byte(metaBucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var def IndexDef
			if err := json.Unmarshal(v, &def); err != nil {
				return err
			}
			out = append(out, def)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

// encodeValue renders v into an order-preserving string suitable as (part
// of) an index row key. Numbers are shifted into a fixed-width,
// sign-preserving representation so byte ordering matches numeric
// ordering; this is only used for equality-prefix matching by the
// planner (see selector.go / planner.go), so exact numeric ordering
// fidelity for range scans is not required here — ranges are always
// evaluated as residual predicates against the document body.
func encodeValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return "s:" + t
	case bool:
		if t {
			return "b:1"
		}
		return "b:0"
	case float64:
		return fmt.Sprintf("n:%020.6f", t+1e15)
	case nil:
		return "z:"
	default:
		raw, _ := json.Marshal(t)
		return "j:" + string(raw)
	}
}

func rowKey(docID string, values []string) []byte {
	var buf bytes.Buffer
	for _, v := range values {
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	buf.WriteString(docID)
	return buf.Bytes()
}

// ownedRow records one (index, key) pair a document currently owns, so
// Upsert can delete exactly the stale rows from the previous version of
// the document without a full index scan.
type ownedRow struct {
	Index string `json:"index"`
	Key   []byte `json:"key"`
}

// Upsert recomputes every index row for docID given its current field
// values (as extracted by the caller from the winning revision's body),
// replacing whatever rows it owned before. fieldValues maps dotted field
// path -> value (absent entries are treated as missing/$exists:false).
func (c *Catalog) Upsert(docID string, fieldValues map[string]interface{}) error {
	return c.kv.RunWrite(func(tx *kvp.Tx) error {
		owners := tx.Bucket([]byte(rowOwnersBucket))
		meta := tx.Bucket([]byte(metaBucket))

		if raw := owners.Get([]byte(docID)); raw != nil {
			var prev []ownedRow
			if err := json.Unmarshal(raw, &prev); err == nil {
				for _, p := range prev {
					if b := tx.Bucket([]byte(indexBucketName(p.Index))); b != nil {
						_ = b.Delete(p.Key)
					}
				}
			}
		}

		var newOwned []ownedRow
		err := meta.ForEach(func(_, v []byte) error {
			var def IndexDef
			if err := json.Unmarshal(v, &def); err != nil {
				return err
			}
			if def.Kind != IndexKindJSON {
				return nil // text indexes get no rows; only JSON indexes are maintained
			}
			values := make([]string, 0, len(def.Fields))
			complete := true
			for _, f := range def.Fields {
				val, ok := fieldValues[f]
				if !ok {
					complete = false
					break
				}
				values = append(values, encodeValue(val))
			}
			if !complete {
				return nil
			}
			key := rowKey(docID, values)
			b, err := tx.CreateBucketIfNotExists([]byte(indexBucketName(def.Name)))
			if err != nil {
				return err
			}
			if err := b.Put(key, []byte(docID)); err != nil {
				return err
			}
			newOwned = append(newOwned, ownedRow{Index: def.Name, Key: key})
			return nil
		})
		if err != nil {
			return err
		}

		raw, err := json.Marshal(newOwned)
		if err != nil {
			return err
		}
		return owners.Put([]byte(docID), raw)
	})
}

// Remove deletes every index row docID owns, e.g. after a purge.
func (c *Catalog) Remove(docID string) error {
	return c.kv.RunWrite(func(tx *kvp.Tx) error {
		owners := tx.Bucket([]byte(rowOwnersBucket))
		raw := owners.Get([]byte(docID))
		if raw == nil {
			return nil
		}
		var prev []ownedRow
		if err := json.Unmarshal(raw, &prev); err != nil {
			return err
		}
		for _, p := range prev {
			if b := tx.Bucket([]byte(indexBucketName(p.Index))); b != nil {
				_ = b.Delete(p.Key)
			}
		}
		return owners.Delete([]byte(docID))
	})
}

// scanPrefix returns every doc_id whose row in index starts with the
// encoded equality prefix values, in key (and therefore field) order.
func (c *Catalog) scanPrefix(indexName string, prefixValues []string) ([]string, error) {
	var prefix []byte
	for _, v := range prefixValues {
		prefix = append(prefix, []byte(v)...)
		prefix = append(prefix, 0)
	}

	var docIDs []string
	err := c.kv.RunRead(func(tx *kvp.Tx) error {
		b := tx.Bucket([]byte(indexBucketName(indexName)))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			docIDs = append(docIDs, string(v))
		}
		return nil
	})
	return docIDs, err
}
