package replicator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cuemby/satchel/pkg/ferrors"
)

// RemoteClient issues the replication protocol's six endpoint calls
// against a base URL, via a RequestPipeline.
type RemoteClient struct {
	baseURL   string
	pipeline  RequestPipeline
	direction Direction
	headers   map[string]string
}

// NewRemoteClient builds a client for baseURL using pipeline, validating
// baseURL and cfg's header policy per spec.md §6: a bad scheme, partial
// credentials, a reserved header, or a non-string header value is
// rejected here, at configuration time, rather than on first request.
func NewRemoteClient(baseURL string, cfg Config, pipeline RequestPipeline, direction Direction) (*RemoteClient, error) {
	which := "source"
	if direction == DirectionPush {
		which = "target"
	}
	if err := validateRemoteURL(baseURL, which); err != nil {
		return nil, err
	}
	headers, err := cfg.baseHeaders()
	if err != nil {
		return nil, err
	}
	return &RemoteClient{baseURL: baseURL, pipeline: pipeline, direction: direction, headers: headers}, nil
}

func (c *RemoteClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	headers := make(map[string]string, len(c.headers)+1)
	for k, v := range c.headers {
		headers[k] = v
	}
	headers["Content-Type"] = "application/json"
	status, _, respBody, err := doWithRetry(ctx, c.pipeline, c.direction, method, c.baseURL+path, headers, raw)
	if status == http.StatusNotFound && method == http.MethodGet && strings.HasPrefix(path, "/_local/") {
		return nil // no checkpoint recorded yet; out keeps its zero value
	}
	if err != nil {
		return err
	}
	if status == http.StatusNotFound && out == nil {
		return nil
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return ferrors.Wrap(ferrors.DomainReplication, ferrors.KindCorruption, "MalformedResponse",
			"response from "+path+" is not valid JSON", err)
	}
	return nil
}

// Changes implements the _changes step: request revisions committed
// after since, up to limit.
func (c *RemoteClient) Changes(ctx context.Context, since uint64, limit int) (ChangesResponse, error) {
	var out ChangesResponse
	path := fmt.Sprintf("/_changes?since=%d&limit=%d", since, limit)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// RevsDiff implements the _revs_diff step.
func (c *RemoteClient) RevsDiff(ctx context.Context, req RevsDiffRequest) (RevsDiffResponse, error) {
	var out RevsDiffResponse
	err := c.do(ctx, http.MethodPost, "/_revs_diff", req, &out)
	return out, err
}

// BulkDocs implements the _bulk_docs step.
func (c *RemoteClient) BulkDocs(ctx context.Context, req BulkDocsRequest) ([]BulkDocsResult, error) {
	var out []BulkDocsResult
	err := c.do(ctx, http.MethodPost, "/_bulk_docs", req, &out)
	return out, err
}

// FetchRevs retrieves the requested revisions (and their attachment
// bodies) of one document. The default wire form is a JSON array of
// BulkDocEntry rather than CouchDB's multipart MIME response, since
// satchel does not need byte-for-byte protocol compatibility here (see
// DESIGN.md).
func (c *RemoteClient) FetchRevs(ctx context.Context, docID string, revIDs []string) ([]BulkDocEntry, error) {
	var out []BulkDocEntry
	path := "/" + docID + "?revs=true&open_revs=" + joinRevIDs(revIDs) + "&attachments=true"
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func joinRevIDs(revIDs []string) string {
	out := ""
	for i, id := range revIDs {
		if i > 0 {
			out += ","
		}
		out += id
	}
	return out
}

// GetCheckpoint fetches the checkpoint record stored under id, or the
// zero value if none exists yet.
func (c *RemoteClient) GetCheckpoint(ctx context.Context, id string) (Checkpoint, error) {
	var out Checkpoint
	err := c.do(ctx, http.MethodGet, "/_local/"+id, nil, &out)
	return out, err
}

// PutCheckpoint persists cp under id on the remote.
func (c *RemoteClient) PutCheckpoint(ctx context.Context, id string, cp Checkpoint) error {
	return c.do(ctx, http.MethodPut, "/_local/"+id, cp, nil)
}
