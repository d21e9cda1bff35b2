package client

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/amorison/pipeline/internal/digest"
	"github.com/amorison/pipeline/internal/protocol"
)

// watchLoop is the client watcher: on every tick it traverses the
// watched root, filters by extension and mtime age, and emits a
// FileSpec for each newly-qualifying file not already in flight.
func (c *Client) watchLoop(ctx context.Context) error {
	interval := time.Duration(c.cfg.RefreshEverySecs) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.scanOnce(ctx); err != nil {
				return err
			}
		}
	}
}

func (c *Client) scanOnce(ctx context.Context) error {
	root := c.cfg.Directory
	minAge := time.Duration(c.cfg.LastModifSecs) * time.Second

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			c.log.WithError(err).WithField("path", path).Warn("walk error, skipping")
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if filepath.Ext(path) != c.cfg.Extension {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			c.log.WithError(err).WithField("path", path).Warn("stat error, skipping")
			return nil
		}
		if time.Since(info.ModTime()) <= minAge {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if !c.inFlight.tryAdd(rel) {
			return nil
		}

		if err := c.hashAndSend(ctx, root, rel); err != nil {
			c.inFlight.remove(rel)
			return errors.Wrapf(err, "hashing/sending %q", rel)
		}
		return nil
	})
}

func (c *Client) hashAndSend(ctx context.Context, root, rel string) error {
	if err := c.hashSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.hashSem.Release(1)

	kind := digest.Full
	if !c.cfg.FullHash {
		kind = digest.Shallow
	}

	fullPath := filepath.Join(root, rel)
	d, err := digest.Compute(fullPath, kind)
	if err != nil {
		return errors.Wrap(err, "computing digest")
	}

	dir, name := filepath.Split(rel)
	spec := protocol.FileSpec{
		ClientName:     c.name,
		RelativeSubdir: toSlash(strings.TrimSuffix(dir, string(filepath.Separator))),
		FileName:       name,
		Digest:         d,
	}

	if err := c.enc.Encode(spec); err != nil {
		return errors.Wrap(err, "sending file spec")
	}
	return nil
}

// toSlash normalizes a platform-native relative-directory prefix to
// the wire's forward-slash convention.
func toSlash(p string) string {
	return filepath.ToSlash(p)
}
