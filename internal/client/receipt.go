package client

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/amorison/pipeline/internal/protocol"
)

// receiptLoop is the client receipt handler: it reacts to each
// Receipt the server sends for a previously-emitted FileSpec.
func (c *Client) receiptLoop(ctx context.Context) error {
	for {
		var r protocol.Receipt
		if err := c.dec.Decode(&r); err != nil {
			if err == io.EOF {
				return errors.New("server closed connection")
			}
			return errors.Wrap(err, "decoding receipt")
		}

		switch r.Kind {
		case protocol.Expecting:
			c.handleExpectingOrError(ctx, r.Spec, r.ServerRelPath)
		case protocol.Error:
			c.log.WithField("error", r.ErrorMessage).Warn("server reported an error, re-delivering")
			c.handleExpectingOrError(ctx, r.Spec, r.ServerRelPath)
		case protocol.Received:
			c.handleReceived(r.Spec)
		case protocol.DifferentHash:
			c.handleDifferentHash(r.Spec)
		}
	}
}

func (c *Client) clientPath(spec protocol.FileSpec) string {
	dir := filepath.FromSlash(spec.RelativeSubdir)
	return filepath.Join(c.cfg.Directory, dir, spec.FileName)
}

func (c *Client) relPath(spec protocol.FileSpec) string {
	dir := filepath.FromSlash(spec.RelativeSubdir)
	return filepath.Join(dir, spec.FileName)
}

// handleExpectingOrError materializes the file at the server's
// requested location via the configured copy method, then re-sends
// the same spec so the server can verify and proceed.
func (c *Client) handleExpectingOrError(ctx context.Context, spec protocol.FileSpec, serverRelPath string) {
	clientPath := c.clientPath(spec)

	if err := c.copyToServer(ctx, clientPath, serverRelPath); err != nil {
		c.log.WithError(err).WithField("spec", spec.String()).Error("copy to server failed")
		return
	}

	if err := c.enc.Encode(spec); err != nil {
		c.log.WithError(err).Error("failed to resend file spec after copy")
	}
}

// handleReceived cleans up the local source (only when the copy method
// requires it) and drops the relative path from the in-flight set, so
// a future scan that finds a file at the same path emits a fresh
// FileSpec, which the server answers with Received for a known digest.
func (c *Client) handleReceived(spec protocol.FileSpec) {
	if c.copyTo.RequiresCleanup() {
		clientPath := c.clientPath(spec)
		if err := os.Remove(clientPath); err != nil && !os.IsNotExist(err) {
			c.log.WithError(err).WithField("path", clientPath).Warn("failed to remove source after Received")
		}
	}
	c.inFlight.remove(c.relPath(spec))
}

// handleDifferentHash is a TOCTOU signal: the file changed between the
// watcher's scan and the copy. Drop it from the in-flight set so a
// future scan retries if it still qualifies.
func (c *Client) handleDifferentHash(spec protocol.FileSpec) {
	c.log.WithField("spec", spec.String()).Warn("server reported a digest mismatch, will retry on next scan if still eligible")
	c.inFlight.remove(c.relPath(spec))
}

func (c *Client) copyToServer(ctx context.Context, clientPath, serverRelPath string) error {
	switch {
	case c.copyTo.Move != nil:
		dst := filepath.Join(c.copyTo.Move.MoveInSameFsTo, serverRelPath)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return errors.Wrap(err, "creating destination directory")
		}
		if err := os.Rename(clientPath, dst); err != nil {
			return errors.Wrap(err, "moving file")
		}
		return nil

	case c.copyTo.Copy != nil:
		dst := filepath.Join(c.copyTo.Copy.Destination, serverRelPath)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return errors.Wrap(err, "creating destination directory")
		}
		return copyFile(clientPath, dst)

	case c.copyTo.Command != nil:
		return c.runCopyCommand(ctx, c.copyTo.Command.Argv, clientPath, serverRelPath)

	default:
		return errors.New("no copy method configured")
	}
}

func (c *Client) runCopyCommand(ctx context.Context, argv []string, clientPath, serverRelPath string) error {
	if len(argv) == 0 {
		return errors.New("command copy method has empty argv")
	}
	replacer := strings.NewReplacer(
		"{server_filename}", serverRelPath,
		"{client_path}", clientPath,
	)
	args := make([]string, len(argv))
	for i, a := range argv {
		args[i] = replacer.Replace(a)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "copy command %v failed: %s", args, out)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "opening source")
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "creating destination")
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrap(err, "copying content")
	}
	return out.Close()
}
