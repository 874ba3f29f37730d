package replicator

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/cuemby/satchel/pkg/attachment"
	"github.com/cuemby/satchel/pkg/changefeed"
	"github.com/cuemby/satchel/pkg/revision"
)

// Server serves spec.md §6's HTTP replication interface against a single
// embedded datastore's subsystems, so a RemoteClient running in another
// process (or another host) can Pull/Push against it. Grounded on
// cuemby-warren/pkg/metrics.Handler's "http.Handler wrapping an internal
// subsystem" shape, generalized from a /metrics scrape endpoint to the
// six replication routes.
type Server struct {
	revs        *revision.Engine
	attachments *attachment.Manager
	changes     *changefeed.Store
	checkpoints *CheckpointStore
}

// NewServer builds a Server over the given subsystem handles.
func NewServer(revs *revision.Engine, attachments *attachment.Manager, changes *changefeed.Store, checkpoints *CheckpointStore) *Server {
	return &Server{revs: revs, attachments: attachments, changes: changes, checkpoints: checkpoints}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/":
		s.handleCapability(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/_changes":
		s.handleChanges(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/_revs_diff":
		s.handleRevsDiff(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/_bulk_docs":
		s.handleBulkDocs(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/_local/"):
		s.handleGetCheckpoint(w, r)
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/_local/"):
		s.handlePutCheckpoint(w, r)
	case r.Method == http.MethodGet && r.URL.Query().Get("revs") == "true":
		s.handleFetchRevs(w, r)
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleCapability(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"satchel": true})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, _ := strconv.ParseUint(q.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	entries, err := s.changes.Since(since, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := ChangesResponse{Since: since}
	for _, e := range entries {
		resp.Results = append(resp.Results, ChangeRow{DocID: e.DocID, RevIDs: []string{e.RevID}})
		resp.Since = e.Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRevsDiff(w http.ResponseWriter, r *http.Request) {
	var req RevsDiffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := make(RevsDiffResponse)
	for docID, revIDs := range req {
		var missing []string
		for _, rs := range revIDs {
			parsed, err := revision.ParseRevID(rs)
			if err != nil {
				continue
			}
			if _, err := s.revs.GetRev(docID, parsed); err != nil {
				missing = append(missing, rs)
			}
		}
		if len(missing) > 0 {
			resp[docID] = RevsDiffEntry{Missing: missing}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFetchRevs(w http.ResponseWriter, r *http.Request) {
	docID := strings.TrimPrefix(r.URL.Path, "/")
	q := r.URL.Query()
	revIDStrs := strings.Split(q.Get("open_revs"), ",")

	var out []BulkDocEntry
	for _, rs := range revIDStrs {
		parsed, err := revision.ParseRevID(rs)
		if err != nil {
			continue
		}
		rev, err := s.revs.GetRev(docID, parsed)
		if err != nil {
			continue
		}
		chain, err := s.revs.History(docID, parsed)
		if err != nil {
			continue
		}
		history := make([]revision.RevID, 0, len(chain)-1)
		for i := len(chain) - 1; i > 0; i-- {
			history = append(history, chain[i].RevID)
		}
		entry := BulkDocEntry{DocID: docID, Rev: *rev, History: history}
		if len(rev.Attachments) > 0 {
			rendered, err := s.attachments.Reconstruct(rev, attachment.IncludeAttachments, 0)
			if err == nil {
				entry.Attachments = make(map[string]string)
				for _, ra := range rendered {
					if !ra.Stub && ra.DataBase64 != "" {
						entry.Attachments[ra.Digest] = ra.DataBase64
					}
				}
			}
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBulkDocs(w http.ResponseWriter, r *http.Request) {
	var req BulkDocsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var results []BulkDocsResult
	for _, d := range req.Docs {
		if err := s.installAttachments(d); err != nil {
			results = append(results, BulkDocsResult{DocID: d.DocID, RevID: d.Rev.RevID.String(), Error: err.Error()})
			continue
		}
		if err := s.revs.ForceInsert(d.Rev, d.History); err != nil {
			results = append(results, BulkDocsResult{DocID: d.DocID, RevID: d.Rev.RevID.String(), Error: err.Error()})
			continue
		}
		results = append(results, BulkDocsResult{DocID: d.DocID, RevID: d.Rev.RevID.String()})
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) installAttachments(d BulkDocEntry) error {
	for digest, b64 := range d.Attachments {
		if s.attachments.HasContent(digest) {
			continue
		}
		data, err := decodeBase64(b64)
		if err != nil {
			return err
		}
		if _, _, err := s.attachments.PutContent(data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/_local/")
	cp, ok, err := s.checkpoints.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handlePutCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/_local/")
	var cp Checkpoint
	if err := json.NewDecoder(r.Body).Decode(&cp); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.checkpoints.Save(id, cp); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
