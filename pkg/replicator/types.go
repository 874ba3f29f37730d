/*
Package replicator implements spec.md §4.7's Pull and Push state
machines: two embedded stores reconcile over HTTP using checkpointed,
batched revision-diff exchanges modeled on the CouchDB replication
protocol's _changes/_revs_diff/_bulk_docs/_local endpoints.

The request/retry plumbing is grounded on cuemby-warren/pkg/health's
HTTPChecker (context-aware *http.Client usage, configurable timeout) and
pkg/api/interceptor.go's allow/deny header filtering, generalized from a
single gRPC interceptor into a small capability interface (RequestPipeline)
per spec.md §9's guidance to model the HTTP interceptor pipeline as a
trait-like contract rather than an inheritance hierarchy.
*/
package replicator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/satchel/pkg/revision"
)

// Direction distinguishes the two replication state machines for
// metrics and logging.
type Direction string

const (
	DirectionPull Direction = "pull"
	DirectionPush Direction = "push"
)

// DefaultParallelism is spec.md §4.7's default concurrent-request budget
// per replication direction.
const DefaultParallelism = 4

// DefaultBatchSize bounds how many documents one Changes/BulkDocs round
// processes before checkpointing.
const DefaultBatchSize = 200

const (
	DefaultRequestTimeout    = 30 * time.Second
	DefaultAttachmentTimeout = 600 * time.Second
	maxRetryAttempts         = 5

	// DefaultUserAgent is the library-version string spec.md §6 says
	// User-Agent defaults to when a Config leaves it unset.
	DefaultUserAgent = "satchel-replicator/1.0"
)

// Config parameterizes one replication direction.
type Config struct {
	SourceID       string // opaque identifier of the source store
	TargetID       string // opaque identifier of the target store
	FilterName     string
	FilterParams   map[string]string
	DocIDsFilter   []string
	Parallelism    int
	BatchSize      int
	RequestTimeout time.Duration

	// Headers are caller-supplied headers merged into every outbound
	// request. Values come in as interface{} because callers typically
	// assemble this map from a looser options bag (parsed flags, decoded
	// YAML/JSON); only string values are valid, anything else is
	// BadOptionalHeaderType. Setting a reserved header (see
	// reservedHeaders) is rejected at configuration time, not at request
	// time.
	Headers map[string]interface{}
	// UserAgent overrides the default User-Agent sent with every
	// request; DefaultUserAgent is used when empty.
	UserAgent string
}

func (c Config) withDefaults() Config {
	if c.Parallelism <= 0 {
		c.Parallelism = DefaultParallelism
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	return c
}

// baseHeaders validates c.Headers against the reserved set and returns a
// copy merged with the resolved User-Agent, per spec.md §6's request
// header policy. Called once at client-construction time so a
// misconfigured header set fails before any request is ever sent.
func (c Config) baseHeaders() (map[string]string, error) {
	out := make(map[string]string, len(c.Headers)+1)
	out["User-Agent"] = c.UserAgent
	for k, v := range c.Headers {
		if reservedHeaders[strings.ToLower(k)] {
			return nil, errProhibitedOptionalHeader(k)
		}
		sv, ok := v.(string)
		if !ok {
			return nil, errBadOptionalHeaderType(k)
		}
		out[k] = sv
	}
	return out, nil
}

// validateRemoteURL implements the UndefinedSource/UndefinedTarget,
// InvalidScheme, and IncompleteCredentials checks spec.md §6's error
// domain lists: a replication endpoint must be a non-empty absolute
// http(s) URL, and if it carries userinfo at all it must carry both a
// username and password (a lone "user@host" is a config mistake, not a
// silently-anonymous request).
func validateRemoteURL(raw string, which string) error {
	if raw == "" {
		if which == "source" {
			return errUndefinedSource()
		}
		return errUndefinedTarget()
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errInvalidScheme(raw)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return errInvalidScheme(raw)
	}
	if u.User != nil {
		if u.User.Username() == "" {
			return errIncompleteCredentials(raw)
		}
		if _, ok := u.User.Password(); !ok {
			return errIncompleteCredentials(raw)
		}
	}
	return nil
}

// CheckpointID implements spec.md §4.7's deterministic checkpoint id: a
// hash of the tuple identifying this replication's identity and scope,
// stable across restarts so a resumed replication finds its prior
// checkpoint record.
func CheckpointID(cfg Config) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", cfg.SourceID, cfg.TargetID, cfg.FilterName)
	for _, k := range sortedKeys(cfg.FilterParams) {
		fmt.Fprintf(h, "%s=%s\x00", k, cfg.FilterParams[k])
	}
	for _, id := range cfg.DocIDsFilter {
		fmt.Fprintf(h, "%s\x00", id)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// Checkpoint is the durable record stored on the receiving side of a
// replication direction (spec.md §3).
type Checkpoint struct {
	ReplicationID string `json:"replication_id"`
	SourceLastSeq uint64 `json:"source_last_seq"`
}

// ChangeRow is one entry of a _changes response.
type ChangeRow struct {
	DocID  string   `json:"doc_id"`
	RevIDs []string `json:"rev_ids"`
}

// ChangesResponse answers a _changes request.
type ChangesResponse struct {
	Results []ChangeRow `json:"results"`
	Since   uint64      `json:"since"`
}

// RevsDiffRequest maps doc_id -> candidate rev ids the requester holds.
type RevsDiffRequest map[string][]string

// RevsDiffEntry reports, for one doc_id, which of the candidate revs the
// responder lacks, plus the ancestor history needed to install them.
type RevsDiffEntry struct {
	Missing []string            `json:"missing"`
	History map[string][]string `json:"history"` // rev_id -> ancestor chain (root..parent)
}

// RevsDiffResponse is the full per-document answer to a _revs_diff call.
type RevsDiffResponse map[string]RevsDiffEntry

// BulkDocEntry is one revision shipped over _bulk_docs, carrying its
// body plus the ancestor history force_insert needs, plus any
// attachment bodies the receiver doesn't already hold.
type BulkDocEntry struct {
	DocID       string            `json:"doc_id"`
	Rev         revision.Revision `json:"rev"`
	History     []revision.RevID  `json:"history"`
	Attachments map[string]string `json:"attachments,omitempty"` // digest -> base64 body
}

// BulkDocsRequest is the full POST body for _bulk_docs.
type BulkDocsRequest struct {
	Docs []BulkDocEntry `json:"docs"`
}

// BulkDocsResult reports per-document install outcome.
type BulkDocsResult struct {
	DocID string `json:"doc_id"`
	RevID string `json:"rev_id"`
	Error string `json:"error,omitempty"`
}

// Progress reports live state for a running replication, e.g. for a host
// to surface to an operator or test harness.
type Progress struct {
	Direction     Direction
	LastSeq       uint64
	BatchesDone   int
	RevsInstalled int
	Stopped       bool
}
