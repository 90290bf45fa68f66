package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	pkgerrors "github.com/anurse/pkgsearch/internal/errors"
)

// CheckpointFileName is the zero-length marker whose mtime is the checkpoint.
const CheckpointFileName = "index.metadata"

// epoch is the mtime written for "never indexed". Filesystems cannot hold
// Go's zero time, so anything at or before the Unix epoch reads as the sentinel.
var epoch = time.Unix(0, 0).UTC()

// Checkpoint is the "last successful update" instant: every package
// published at or before it is reflected in the index.
type Checkpoint struct {
	path string
}

// NewCheckpoint returns the checkpoint stored in dataDir.
func NewCheckpoint(dataDir string) *Checkpoint {
	return &Checkpoint{path: filepath.Join(dataDir, CheckpointFileName)}
}

// Path returns the marker path.
func (c *Checkpoint) Path() string {
	return c.path
}

// Read returns the checkpoint in UTC. A missing marker is created and the
// zero time returned, meaning the next update is a full rebuild.
func (c *Checkpoint) Read() (time.Time, error) {
	info, err := os.Stat(c.path)
	if os.IsNotExist(err) {
		if err := c.Reset(); err != nil {
			return time.Time{}, err
		}
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, pkgerrors.StorageError("failed to read checkpoint", err)
	}

	mtime := info.ModTime().UTC()
	if !mtime.After(epoch) {
		return time.Time{}, nil
	}
	return mtime, nil
}

// Write sets the checkpoint to t, creating the marker if needed.
// Chtimes replaces the timestamp in one call, so readers see old or new.
func (c *Checkpoint) Write(t time.Time) error {
	if err := c.ensure(); err != nil {
		return err
	}
	if err := os.Chtimes(c.path, t, t); err != nil {
		return pkgerrors.StorageError("failed to write checkpoint", err)
	}
	return nil
}

// Reset puts the checkpoint back to "never indexed".
func (c *Checkpoint) Reset() error {
	return c.Write(epoch)
}

func (c *Checkpoint) ensure() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return pkgerrors.StorageError(fmt.Sprintf("failed to create %s", filepath.Dir(c.path)), err)
	}
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return pkgerrors.StorageError("failed to create checkpoint marker", err)
	}
	if err := f.Close(); err != nil {
		return pkgerrors.StorageError("failed to create checkpoint marker", err)
	}
	return nil
}
