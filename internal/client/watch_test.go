package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amorison/pipeline/internal/codec"
	"github.com/amorison/pipeline/internal/config"
	"github.com/amorison/pipeline/internal/protocol"
)

func TestScanOnceFiltersByExtensionAndAge(t *testing.T) {
	watchDir := t.TempDir()
	mustWrite(t, filepath.Join(watchDir, "a.mrc"), "hi")
	mustWrite(t, filepath.Join(watchDir, "b.txt"), "ignored: wrong extension")

	copyTo := config.CopyToServer{Move: &config.MoveConfig{MoveInSameFsTo: t.TempDir()}}
	c, serverConn := newTestClient(t, watchDir, copyTo)

	specs := make(chan protocol.FileSpec, 4)
	go func() {
		dec := codec.NewDecoder(serverConn)
		for {
			var s protocol.FileSpec
			if err := dec.Decode(&s); err != nil {
				close(specs)
				return
			}
			specs <- s
		}
	}()

	if err := c.scanOnce(context.Background()); err != nil {
		t.Fatalf("scanOnce: %v", err)
	}

	select {
	case s, ok := <-specs:
		if !ok {
			t.Fatalf("expected one spec, channel closed")
		}
		if s.FileName != "a.mrc" {
			t.Fatalf("got spec for %q, want a.mrc", s.FileName)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a.mrc spec")
	}

	// b.txt has the wrong extension, so the scan should emit no second spec.
	select {
	case s, ok := <-specs:
		if ok {
			t.Fatalf("unexpected second spec %v", s)
		}
	case <-time.After(100 * time.Millisecond):
		// no second spec arrived, as expected
	}
}

func TestScanOnceSkipsInFlightPath(t *testing.T) {
	watchDir := t.TempDir()
	mustWrite(t, filepath.Join(watchDir, "a.mrc"), "hi")

	copyTo := config.CopyToServer{Move: &config.MoveConfig{MoveInSameFsTo: t.TempDir()}}
	c, serverConn := newTestClient(t, watchDir, copyTo)
	serverConn.SetDeadline(time.Now().Add(2 * time.Second))

	c.inFlight.tryAdd("a.mrc")

	readErr := make(chan error, 1)
	go func() {
		var s protocol.FileSpec
		readErr <- codec.NewDecoder(serverConn).Decode(&s)
	}()

	if err := c.scanOnce(context.Background()); err != nil {
		t.Fatalf("scanOnce: %v", err)
	}

	select {
	case err := <-readErr:
		if err == nil {
			t.Fatalf("expected no spec to be sent for an already in-flight path")
		}
	case <-time.After(100 * time.Millisecond):
		// no spec arrived, as expected
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}
