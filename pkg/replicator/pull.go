package replicator

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/satchel/pkg/attachment"
	"github.com/cuemby/satchel/pkg/ferrors"
	"github.com/cuemby/satchel/pkg/log"
	"github.com/cuemby/satchel/pkg/metrics"
	"github.com/cuemby/satchel/pkg/revision"
)

// pollInterval is how often an idle Puller checks the source for new
// changes once it has caught up, mirroring cuemby-warren's health
// monitor ticker loop.
const pollInterval = 2 * time.Second

// Puller drives spec.md §4.7's pull state machine: Idle -> FetchCheckpoint
// -> Changes -> RevsDiff -> FetchRevs -> BulkInsert -> (more? -> Changes)
// -> SaveCheckpoint -> Idle, against one remote source.
type Puller struct {
	cfg          Config
	client       *RemoteClient
	engine       *revision.Engine
	attachments  *attachment.Manager
	checkpoints  *CheckpointStore
	checkpointID string

	mu       sync.Mutex
	progress Progress

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPuller builds a Puller pulling from baseURL into engine, using
// pipeline for transport and checkpoints for local resume bookkeeping.
// Fails at configuration time if baseURL or cfg's header policy is
// invalid (spec.md §6).
func NewPuller(cfg Config, baseURL string, pipeline RequestPipeline, engine *revision.Engine, attachments *attachment.Manager, checkpoints *CheckpointStore) (*Puller, error) {
	cfg = cfg.withDefaults()
	client, err := NewRemoteClient(baseURL, cfg, pipeline, DirectionPull)
	if err != nil {
		return nil, err
	}
	return &Puller{
		cfg:          cfg,
		client:       client,
		engine:       engine,
		attachments:  attachments,
		checkpoints:  checkpoints,
		checkpointID: CheckpointID(cfg),
	}, nil
}

// Progress reports a snapshot of the puller's current state.
func (p *Puller) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

func (p *Puller) setProgress(mutate func(*Progress)) {
	p.mu.Lock()
	mutate(&p.progress)
	p.mu.Unlock()
}

// Start launches the puller's background loop: one-shot RunOnce calls
// repeated on pollInterval until Stop is called or ctx is cancelled.
func (p *Puller) Start(ctx context.Context) {
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.loop(ctx)
}

// Stop asks the background loop to finish its current pass and exit; it
// does not interrupt an in-flight batch.
func (p *Puller) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.doneCh
	p.setProgress(func(pr *Progress) { pr.Stopped = true })
}

func (p *Puller) loop(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := p.RunOnce(ctx); err != nil && !ferrors.IsTransient(err) {
			log.Warn("pull replication pass failed: " + err.Error())
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

// RunOnce drives the state machine through as many FetchCheckpoint ->
// Changes -> RevsDiff -> FetchRevs -> BulkInsert rounds as the source has
// pending changes for, checkpointing durably after each installed batch.
func (p *Puller) RunOnce(ctx context.Context) error {
	cp, _, err := p.checkpoints.Get(p.checkpointID)
	if err != nil {
		return err
	}

	for {
		timer := metrics.NewTimer()
		changes, err := p.client.Changes(ctx, cp.SourceLastSeq, p.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(changes.Results) == 0 {
			timer.ObserveDurationVec(metrics.ReplicationBatchDuration, string(DirectionPull))
			return nil
		}

		req := make(RevsDiffRequest, len(changes.Results))
		for _, row := range changes.Results {
			req[row.DocID] = row.RevIDs
		}
		diff, err := p.client.RevsDiff(ctx, req)
		if err != nil {
			return err
		}

		installed, err := p.fetchAndInstall(ctx, diff)
		if err != nil {
			return err
		}

		cp = Checkpoint{ReplicationID: p.checkpointID, SourceLastSeq: changes.Since}
		if err := p.checkpoints.Save(p.checkpointID, cp); err != nil {
			return err
		}

		metrics.ReplicationBatchesTotal.WithLabelValues(string(DirectionPull)).Inc()
		metrics.ReplicationRevsTotal.WithLabelValues(string(DirectionPull)).Add(float64(installed))
		timer.ObserveDurationVec(metrics.ReplicationBatchDuration, string(DirectionPull))

		p.setProgress(func(pr *Progress) {
			pr.Direction = DirectionPull
			pr.LastSeq = cp.SourceLastSeq
			pr.BatchesDone++
			pr.RevsInstalled += installed
		})

		if len(changes.Results) < p.cfg.BatchSize {
			return nil
		}
	}
}

// fetchAndInstall pulls the missing revisions diff identified and force
// inserts each one, never advancing the checkpoint past a failed
// install (the caller only saves a checkpoint once this returns nil).
func (p *Puller) fetchAndInstall(ctx context.Context, diff RevsDiffResponse) (int, error) {
	installed := 0
	for docID, entry := range diff {
		if len(entry.Missing) == 0 {
			continue
		}
		entries, err := p.client.FetchRevs(ctx, docID, entry.Missing)
		if err != nil {
			return installed, err
		}
		for _, e := range entries {
			if err := p.installOne(e); err != nil {
				return installed, err
			}
			installed++
		}
	}
	return installed, nil
}

func (p *Puller) installOne(e BulkDocEntry) error {
	for digest, b64 := range e.Attachments {
		if p.attachments.HasContent(digest) {
			continue
		}
		data, err := decodeBase64(b64)
		if err != nil {
			return err
		}
		if _, _, err := p.attachments.PutContent(data); err != nil {
			return err
		}
	}
	return p.engine.ForceInsert(e.Rev, e.History)
}
