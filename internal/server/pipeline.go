package server

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/amorison/pipeline/internal/codec"
	"github.com/amorison/pipeline/internal/config"
	"github.com/amorison/pipeline/internal/digest"
	"github.com/amorison/pipeline/internal/protocol"
	"github.com/amorison/pipeline/internal/registry"
)

// registryRetryDelay is the backoff between Registry retries in the
// pipeline's "retry forever" discipline.
const registryRetryDelay = time.Second

// relPath deterministically derives the two-level bucket path for a
// digest's hex string: "{hash[0:2]}/{hash[2:4]}/{hash}".
func relPath(hash string) string {
	if len(hash) < 4 {
		return hash
	}
	return filepath.Join(hash[0:2], hash[2:4], hash)
}

// pathOf resolves a FileSpec to its absolute location under the
// server's incoming directory, creating the two-level bucket directory
// as a side effect (best-effort; falls back to the incoming directory
// root on create_dir failure).
func (s *Server) pathOf(spec protocol.FileSpec) string {
	return PathForHash(s.cfg, spec.Digest.Hex, s.log)
}

// PathFor resolves a Registry record to its absolute location under
// cfg's incoming directory, for use by out-of-process callers such as
// the maintenance CLI's clean command that only have a Record, not a
// live Server.
func PathFor(cfg config.ServerConfig, rec registry.Record) string {
	return PathForHash(cfg, rec.Hash, nil)
}

// PathForHash is the shared implementation behind pathOf and PathFor:
// it creates the two-level bucket directory as a side effect
// (best-effort; falls back to the incoming directory root on
// create_dir failure).
func PathForHash(cfg config.ServerConfig, hash string, log *logrus.Entry) string {
	rel := relPath(hash)
	bucketDir := filepath.Join(cfg.IncomingDirectory, filepath.Dir(rel))
	if err := os.MkdirAll(bucketDir, dirMode(cfg.UnixMode)); err != nil {
		if log != nil {
			log.WithError(err).WithField("dir", bucketDir).Warn("failed to create bucket directory, falling back to bare hash")
		}
		return filepath.Join(cfg.IncomingDirectory, hash)
	}
	return filepath.Join(cfg.IncomingDirectory, rel)
}

func dirMode(unixMode *uint32) os.FileMode {
	if unixMode != nil {
		return os.FileMode(*unixMode)
	}
	return 0o755
}

// runPipeline implements the per-FileSpec state machine: Lookup,
// Decide, Verify, Process.
func (s *Server) runPipeline(ctx context.Context, enc *codec.Encoder, spec protocol.FileSpec, log *logrus.Entry) {
	log = log.WithField("spec", spec.String())
	hash := spec.Digest.Hex

	exists := s.retryContains(ctx, hash, log)

	if !exists {
		for {
			err := s.reg.InsertNew(spec)
			if err == nil || err == registry.ErrAlreadyExists {
				break
			}
			log.WithError(err).Error("registry InsertNew failed, retrying")
			if !sleepOrDone(ctx, registryRetryDelay) {
				return
			}
		}
		serverRelPath := relPath(hash)
		s.send(enc, protocol.NewExpecting(spec, serverRelPath), log)
		return
	}

	status := s.retryStatus(ctx, hash, log)
	if status != registry.AwaitFromClient {
		// A duplicate delivery of an already-known digest: idempotent
		// acknowledgment, no processing triggered.
		s.send(enc, protocol.NewReceived(spec), log)
		return
	}

	s.verifyAndProcess(ctx, enc, spec, log)
}

// verifyAndProcess is the Verify state: recompute the digest at the
// materialized path and branch on the comparison.
func (s *Server) verifyAndProcess(ctx context.Context, enc *codec.Encoder, spec protocol.FileSpec, log *logrus.Entry) {
	path := s.pathOf(spec)

	if err := s.semHash.Acquire(ctx, 1); err != nil {
		return
	}
	got, err := digest.RecomputeSameKind(path, spec.Digest)
	s.semHash.Release(1)

	if err != nil {
		s.send(enc, protocol.NewError(spec, relPath(spec.Digest.Hex), err), log)
		return
	}

	if !got.Equal(spec.Digest) {
		log.Warn("digest mismatch on verify, leaving record AwaitFromClient")
		s.send(enc, protocol.NewDifferentHash(spec), log)
		return
	}

	s.send(enc, protocol.NewReceived(spec), log)
	s.process(ctx, spec, log)
}

// process is the Process state, also reused directly by the retry
// loop for Failed records (bypassing Verify and the client channel).
func (s *Server) process(ctx context.Context, spec protocol.FileSpec, log *logrus.Entry) {
	if err := s.semProc.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.semProc.Release(1)

	hash := spec.Digest.Hex
	won := s.retryTryBeginProcessing(ctx, hash, log)
	if !won {
		// Another task already holds the processing slot for this
		// digest, or the record is gone; the status read and the
		// Processing write happen as one statement so this check
		// cannot race with a concurrent process() call for the same
		// hash.
		return
	}

	path := s.pathOf(spec)
	err := s.runProcessingSteps(ctx, spec, path)
	if err != nil {
		log.WithError(err).Warn("processing failed")
		s.retryUpdateStatus(ctx, hash, registry.Failed, log)
		return
	}

	switch s.cfg.StatusAfterProcessing {
	case "Done":
		s.retryUpdateStatus(ctx, hash, registry.Done, log)
	case "ToPrune":
		s.retryUpdateStatus(ctx, hash, registry.ToPrune, log)
	case "Manual":
		// Leave the record in Processing; manual terminal status is set
		// out of band by an operator, not by this loop.
	}
}

func (s *Server) send(enc *codec.Encoder, r protocol.Receipt, log *logrus.Entry) {
	if err := enc.Encode(r); err != nil {
		// The peer may have already gone away; this is a recoverable,
		// per-task error and does not affect the record's persisted
		// state.
		log.WithError(err).Debug("failed to send receipt, peer likely gone")
	}
}

// retryContains/retryStatus/retryUpdateStatus implement the
// retry-forever-with-1s-backoff discipline used for every Registry
// call in the pipeline. The maintenance loops do not use them: on a
// Registry error they log and wait for their next tick.
func (s *Server) retryContains(ctx context.Context, hash string, log *logrus.Entry) bool {
	for {
		ok, err := s.reg.Contains(hash)
		if err == nil {
			return ok
		}
		log.WithError(err).Error("registry Contains failed, retrying")
		if !sleepOrDone(ctx, registryRetryDelay) {
			return false
		}
	}
}

func (s *Server) retryStatus(ctx context.Context, hash string, log *logrus.Entry) registry.Status {
	for {
		st, err := s.reg.Status(hash)
		if err == nil {
			return st
		}
		if errors.Is(err, registry.ErrNotFound) {
			return ""
		}
		log.WithError(err).Error("registry Status failed, retrying")
		if !sleepOrDone(ctx, registryRetryDelay) {
			return ""
		}
	}
}

func (s *Server) retryUpdateStatus(ctx context.Context, hash string, status registry.Status, log *logrus.Entry) {
	for {
		err := s.reg.UpdateStatus(hash, status)
		if err == nil {
			return
		}
		log.WithError(err).Error("registry UpdateStatus failed, retrying")
		if !sleepOrDone(ctx, registryRetryDelay) {
			return
		}
	}
}

// retryTryBeginProcessing retries the atomic Processing transition
// across transient Registry errors; it only stops retrying once the
// Registry answers definitively (won or lost the race).
func (s *Server) retryTryBeginProcessing(ctx context.Context, hash string, log *logrus.Entry) bool {
	for {
		won, err := s.reg.TryBeginProcessing(hash)
		if err == nil {
			return won
		}
		log.WithError(err).Error("registry TryBeginProcessing failed, retrying")
		if !sleepOrDone(ctx, registryRetryDelay) {
			return false
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
