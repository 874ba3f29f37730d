package replicator

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/satchel/pkg/attachment"
	"github.com/cuemby/satchel/pkg/changefeed"
	"github.com/cuemby/satchel/pkg/ferrors"
	"github.com/cuemby/satchel/pkg/log"
	"github.com/cuemby/satchel/pkg/metrics"
	"github.com/cuemby/satchel/pkg/revision"
)

// Pusher drives the mirror image of Puller: local changes (read from the
// durable change feed) are diffed against a remote target and the
// revisions it lacks are uploaded via _bulk_docs.
type Pusher struct {
	cfg          Config
	client       *RemoteClient
	engine       *revision.Engine
	attachments  *attachment.Manager
	feed         *changefeed.Store
	checkpoints  *CheckpointStore
	checkpointID string

	mu       sync.Mutex
	progress Progress

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPusher builds a Pusher shipping engine's local changes to baseURL.
// Fails at configuration time if baseURL or cfg's header policy is
// invalid (spec.md §6).
func NewPusher(cfg Config, baseURL string, pipeline RequestPipeline, engine *revision.Engine, attachments *attachment.Manager, feed *changefeed.Store, checkpoints *CheckpointStore) (*Pusher, error) {
	cfg = cfg.withDefaults()
	client, err := NewRemoteClient(baseURL, cfg, pipeline, DirectionPush)
	if err != nil {
		return nil, err
	}
	return &Pusher{
		cfg:          cfg,
		client:       client,
		engine:       engine,
		attachments:  attachments,
		feed:         feed,
		checkpoints:  checkpoints,
		checkpointID: CheckpointID(cfg),
	}, nil
}

// Progress reports a snapshot of the pusher's current state.
func (p *Pusher) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

func (p *Pusher) setProgress(mutate func(*Progress)) {
	p.mu.Lock()
	mutate(&p.progress)
	p.mu.Unlock()
}

// Start launches the pusher's background loop.
func (p *Pusher) Start(ctx context.Context) {
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.loop(ctx)
}

// Stop asks the background loop to finish its current pass and exit.
func (p *Pusher) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.doneCh
	p.setProgress(func(pr *Progress) { pr.Stopped = true })
}

func (p *Pusher) loop(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := p.RunOnce(ctx); err != nil && !ferrors.IsTransient(err) {
			log.Warn("push replication pass failed: " + err.Error())
		}
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce reads one batch of local changes since the last checkpoint,
// asks the target what it's missing, and uploads exactly those
// revisions with their ancestor history and attachment bodies.
func (p *Pusher) RunOnce(ctx context.Context) error {
	cp, _, err := p.checkpoints.Get(p.checkpointID)
	if err != nil {
		return err
	}

	for {
		timer := metrics.NewTimer()
		entries, err := p.feed.Since(cp.SourceLastSeq, p.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			timer.ObserveDurationVec(metrics.ReplicationBatchDuration, string(DirectionPush))
			return nil
		}

		req := make(RevsDiffRequest)
		for _, e := range entries {
			req[e.DocID] = append(req[e.DocID], e.RevID)
		}
		diff, err := p.client.RevsDiff(ctx, req)
		if err != nil {
			return err
		}

		docs, err := p.buildBulkDocs(diff)
		if err != nil {
			return err
		}

		uploaded := 0
		if len(docs) > 0 {
			results, err := p.client.BulkDocs(ctx, BulkDocsRequest{Docs: docs})
			if err != nil {
				return err
			}
			for _, r := range results {
				if r.Error == "" {
					uploaded++
				} else {
					log.Warn("remote rejected pushed revision " + r.DocID + "@" + r.RevID + ": " + r.Error)
				}
			}
		}

		lastSeq := entries[len(entries)-1].Seq
		cp = Checkpoint{ReplicationID: p.checkpointID, SourceLastSeq: lastSeq}
		if err := p.checkpoints.Save(p.checkpointID, cp); err != nil {
			return err
		}
		if err := p.client.PutCheckpoint(ctx, p.checkpointID, cp); err != nil {
			log.Warn("failed to record checkpoint on replication target: " + err.Error())
		}

		metrics.ReplicationBatchesTotal.WithLabelValues(string(DirectionPush)).Inc()
		metrics.ReplicationRevsTotal.WithLabelValues(string(DirectionPush)).Add(float64(uploaded))
		timer.ObserveDurationVec(metrics.ReplicationBatchDuration, string(DirectionPush))

		p.setProgress(func(pr *Progress) {
			pr.Direction = DirectionPush
			pr.LastSeq = cp.SourceLastSeq
			pr.BatchesDone++
			pr.RevsInstalled += uploaded
		})

		if len(entries) < p.cfg.BatchSize {
			return nil
		}
	}
}

// buildBulkDocs resolves diff's missing revision ids against the local
// revision engine, attaching ancestor history and any attachment bodies
// the target doesn't already hold.
func (p *Pusher) buildBulkDocs(diff RevsDiffResponse) ([]BulkDocEntry, error) {
	var out []BulkDocEntry
	for docID, entry := range diff {
		for _, revStr := range entry.Missing {
			revID, err := revision.ParseRevID(revStr)
			if err != nil {
				return nil, err
			}
			rev, err := p.engine.GetRev(docID, revID)
			if err != nil {
				if ferrors.IsNotFound(err) {
					continue // compacted away, nothing to ship for this ancestor
				}
				return nil, err
			}
			chain, err := p.engine.History(docID, revID)
			if err != nil {
				return nil, err
			}
			history := make([]revision.RevID, 0, len(chain)-1)
			for i := len(chain) - 1; i > 0; i-- {
				history = append(history, chain[i].RevID)
			}

			attachments, err := p.collectAttachments(rev)
			if err != nil {
				return nil, err
			}

			out = append(out, BulkDocEntry{
				DocID:       docID,
				Rev:         *rev,
				History:     history,
				Attachments: attachments,
			})
		}
	}
	return out, nil
}

func (p *Pusher) collectAttachments(rev *revision.Revision) (map[string]string, error) {
	if len(rev.Attachments) == 0 {
		return nil, nil
	}
	rendered, err := p.attachments.Reconstruct(rev, attachment.IncludeAttachments, 0)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rendered))
	for _, r := range rendered {
		if r.Stub || r.DataBase64 == "" {
			continue
		}
		out[r.Digest] = r.DataBase64
	}
	return out, nil
}
