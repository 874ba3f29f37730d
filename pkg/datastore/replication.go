package datastore

import (
	"github.com/cuemby/satchel/pkg/replicator"
)

// Pull returns a Puller that replicates baseURL's changes into d, using
// pipeline for transport. The caller drives it via RunOnce (one pass) or
// Start/Stop (continuous background loop). Fails if baseURL or cfg's
// header policy is invalid.
func (d *Datastore) Pull(cfg replicator.Config, baseURL string, pipeline replicator.RequestPipeline) (*replicator.Puller, error) {
	return replicator.NewPuller(cfg, baseURL, pipeline, d.Revisions, d.Attachments, d.Checkpoints())
}

// Push returns a Pusher that replicates d's local changes to baseURL.
// Fails if baseURL or cfg's header policy is invalid.
func (d *Datastore) Push(cfg replicator.Config, baseURL string, pipeline replicator.RequestPipeline) (*replicator.Pusher, error) {
	return replicator.NewPusher(cfg, baseURL, pipeline, d.Revisions, d.Attachments, d.Changes, d.Checkpoints())
}

// Server returns an http.Handler serving spec.md §6's replication
// interface against d, so another satchel instance's Puller/Pusher can
// reach it over the network.
func (d *Datastore) Server() *replicator.Server {
	return replicator.NewServer(d.Revisions, d.Attachments, d.Changes, d.Checkpoints())
}
