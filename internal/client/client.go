// Package client implements the producer side of the pipeline: the
// directory watcher and the receipt handler.
package client

import (
	"context"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/amorison/pipeline/internal/codec"
	"github.com/amorison/pipeline/internal/config"
)

// inFlightSet tracks relative paths already emitted and not yet
// acknowledged, keyed by relative path so identical content under
// different paths is resent (the server collapses them via the
// digest). A plain mutex-guarded map rather than a concurrent map
// type, because every access here already happens inside
// request/response bookkeeping that
// benefits from a single lock.
type inFlightSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newInFlightSet() *inFlightSet {
	return &inFlightSet{seen: make(map[string]struct{})}
}

func (s *inFlightSet) tryAdd(relPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[relPath]; ok {
		return false
	}
	s.seen[relPath] = struct{}{}
	return true
}

func (s *inFlightSet) remove(relPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, relPath)
}

// Client is a single watcher+receipt-handler pair bound to one server
// connection.
type Client struct {
	name     string
	cfg      config.WatchingConfig
	copyTo   config.CopyToServer
	conn     net.Conn
	enc      *codec.Encoder
	dec      *codec.Decoder
	inFlight *inFlightSet
	hashSem  *semaphore.Weighted
	log      *logrus.Entry
}

// New builds a Client around an already-established connection to the
// server.
func New(name string, cfg config.WatchingConfig, copyTo config.CopyToServer, conn net.Conn, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	maxHashes := cfg.MaxConcurrentHashes
	if maxHashes < 1 {
		maxHashes = 1
	}
	return &Client{
		name:     name,
		cfg:      cfg,
		copyTo:   copyTo,
		conn:     conn,
		enc:      codec.NewEncoder(conn),
		dec:      codec.NewDecoder(conn),
		inFlight: newInFlightSet(),
		hashSem:  semaphore.NewWeighted(int64(maxHashes)),
		log:      log.WithField("component", "client").WithField("client", name),
	}
}

// Run starts the watch loop and the receipt handler loop and blocks
// until either terminates. Connection loss on either the reader or the
// writer ends Run; an external supervisor is expected to restart the
// process, which is safe because all durable state lives in the
// server's Registry.
func (c *Client) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- c.watchLoop(ctx) }()
	go func() { errCh <- c.receiptLoop(ctx) }()

	select {
	case <-ctx.Done():
		c.conn.Close()
		return ctx.Err()
	case err := <-errCh:
		c.conn.Close()
		return err
	}
}
