// Package server implements the consumer side of the pipeline: the
// per-connection dispatcher, the per-file state machine, and the
// retry/prune maintenance loops.
package server

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/amorison/pipeline/internal/codec"
	"github.com/amorison/pipeline/internal/config"
	"github.com/amorison/pipeline/internal/protocol"
	"github.com/amorison/pipeline/internal/registry"
)

// Server holds everything shared across all connections: the Registry
// handle, the two bounded semaphores, and the processing configuration.
type Server struct {
	cfg     config.ServerConfig
	reg     *registry.Registry
	semHash *semaphore.Weighted
	semProc *semaphore.Weighted
	log     *logrus.Entry
}

// New builds a Server around an already-open Registry.
func New(cfg config.ServerConfig, reg *registry.Registry, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		cfg:     cfg,
		reg:     reg,
		semHash: semaphore.NewWeighted(int64(maxInt(cfg.Concurrency.MaxHashes, 1))),
		semProc: semaphore.NewWeighted(int64(maxInt(cfg.Concurrency.MaxProcessing, 1))),
		log:     log.WithField("component", "server"),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Serve accepts connections on ln, dispatching each to its own
// goroutine, and runs the retry/prune maintenance loops alongside the
// accept loop. It returns when ctx is cancelled or the listener
// returns a fatal error; any one of the three loops returning ends
// Serve.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 3)

	go func() { errCh <- s.acceptLoop(ctx, ln) }()
	go func() { errCh <- s.retryLoop(ctx) }()
	go func() { errCh <- s.pruneLoop(ctx) }()

	select {
	case <-ctx.Done():
		ln.Close()
		return ctx.Err()
	case err := <-errCh:
		ln.Close()
		return err
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return errors.Wrap(err, "accepting connection")
		}
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection is the per-connection dispatcher. It does no
// per-file work itself: it decodes FileSpecs off the wire and spawns
// an independent pipeline task per request, sharing one mutex-guarded
// encoder for replies.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	log := s.log.WithField("remote", remote)
	log.Info("client connected")

	dec := codec.NewDecoder(conn)
	enc := codec.NewEncoder(conn)

	for {
		var spec protocol.FileSpec
		if err := dec.Decode(&spec); err != nil {
			log.WithError(err).Info("connection closed")
			return
		}
		if err := spec.Validate(); err != nil {
			log.WithError(err).Warn("rejecting malformed file spec")
			continue
		}
		go s.runPipeline(ctx, enc, spec, log)
	}
}
