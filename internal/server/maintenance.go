package server

import (
	"context"
	"os"
	"time"

	"github.com/amorison/pipeline/internal/protocol"
	"github.com/amorison/pipeline/internal/registry"
)

// retryLoop is the Retry maintenance coroutine: every
// retry_tasks_every_secs it fetches Failed records and re-runs the
// Process substate directly, bypassing Verify and the client-facing
// channel, under the assumption that the file is still present from a
// prior attempt.
func (s *Server) retryLoop(ctx context.Context) error {
	interval := time.Duration(s.cfg.RetryTasksEverySecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.retryFailedTasks(ctx)
		}
	}
}

func (s *Server) retryFailedTasks(ctx context.Context) {
	log := s.log.WithField("loop", "retry")
	tasks, err := s.reg.TasksWithStatus(registry.Failed)
	if err != nil {
		log.WithError(err).Error("failed to list Failed tasks")
		return
	}
	for _, rec := range tasks {
		spec := specFromRecord(rec)
		log.WithField("hash", rec.Hash).Info("retrying failed task")
		go s.process(ctx, spec, log)
	}
}

// pruneLoop is the Prune maintenance coroutine: every
// prune_every_secs it fetches ToPrune records, removes the
// materialized file (best-effort), and removes the record.
func (s *Server) pruneLoop(ctx context.Context) error {
	interval := time.Duration(s.cfg.PruneEverySecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.pruneTasks()
		}
	}
}

func (s *Server) pruneTasks() {
	log := s.log.WithField("loop", "prune")
	tasks, err := s.reg.TasksWithStatus(registry.ToPrune)
	if err != nil {
		// Log and continue rather than abort on a Registry failure in
		// the prune loop; the next tick retries the same records.
		log.WithError(err).Error("failed to list ToPrune tasks")
		return
	}
	for _, rec := range tasks {
		spec := specFromRecord(rec)
		path := s.pathOf(spec)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("path", path).Warn("failed to remove pruned file, leaving record for next tick")
			continue
		}
		if err := s.reg.Remove(rec.Hash); err != nil {
			log.WithError(err).WithField("hash", rec.Hash).Error("failed to remove pruned record")
			continue
		}
		log.WithField("hash", rec.Hash).Info("pruned")
	}
}

func specFromRecord(rec registry.Record) protocol.FileSpec {
	kind := digestKindFor(rec.FullHash)
	return protocol.FileSpec{
		ClientName:     rec.Client,
		RelativeSubdir: rec.RelativeSubdir,
		FileName:       rec.FileName,
		Digest:         digestFor(rec.Hash, kind),
	}
}
