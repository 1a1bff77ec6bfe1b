// Package chain validates backup chains and resolves them into a single
// extent map covering the whole virtual disk.
package chain

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/bamsammich/chainmap/internal/stream"
)

// ChainError reports an invalid chain composition or an extent that falls
// outside the disk described by the full backup.
type ChainError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ChainError) Error() string {
	msg := "invalid chain"
	if e.Path != "" {
		msg += " at " + e.Path
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ChainError) Unwrap() error { return e.Err }

// Chain is an ordered full backup followed by zero or more incrementals.
// It is immutable once built.
type Chain struct {
	files []stream.FileRef
	metas []stream.Metadata
}

// Open reads the metadata of every path, assigns sequence numbers in the
// given order and validates the composition. Broken checkpoint continuity
// and virtual size drift are logged but accepted.
func Open(paths []string, log *slog.Logger) (*Chain, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(paths) == 0 {
		return nil, &ChainError{Reason: "no backup files given"}
	}

	c := &Chain{
		files: make([]stream.FileRef, 0, len(paths)),
		metas: make([]stream.Metadata, 0, len(paths)),
	}
	for i, path := range paths {
		meta, err := stream.ReadMetadata(path)
		if err != nil {
			reason := "cannot read metadata"
			if i == 0 {
				reason = "cannot determine disk size from full backup"
			}
			return nil, &ChainError{Path: path, Reason: reason, Err: err}
		}

		kind := meta.BackupKind()
		switch {
		case i == 0 && kind != stream.Full:
			return nil, &ChainError{Path: path, Reason: "chain must start with a full backup"}
		case i > 0 && kind == stream.Full:
			return nil, &ChainError{Path: path, Reason: fmt.Sprintf("full backup at position %d, only the first file may be full", i)}
		}

		if i > 0 {
			prev := c.metas[i-1]
			if meta.ParentCheckpoint != prev.CheckpointName {
				log.Warn("checkpoint chain is not continuous",
					"path", path,
					"parent", meta.ParentCheckpoint,
					"previous", prev.CheckpointName)
			}
			if meta.VirtualSize != c.metas[0].VirtualSize {
				log.Warn("virtual size differs from full backup",
					"path", path,
					"size", meta.VirtualSize,
					"full_size", c.metas[0].VirtualSize)
			}
		}

		c.files = append(c.files, stream.FileRef{
			Path:     path,
			Sequence: uint32(i), //nolint:gosec // G115: chain length is tiny
			Kind:     kind,
		})
		c.metas = append(c.metas, meta)
	}

	return c, nil
}

// Files returns the chain in override order.
func (c *Chain) Files() []stream.FileRef { return slices.Clone(c.files) }

// Metadata returns the metadata of the i-th file.
func (c *Chain) Metadata(i int) stream.Metadata { return c.metas[i] }

// Len returns the number of files in the chain.
func (c *Chain) Len() int { return len(c.files) }

// DiskSize is the virtual size declared by the full backup.
func (c *Chain) DiskSize() uint64 { return c.metas[0].VirtualSize }

// HasIncrementals reports whether the chain needs replay.
func (c *Chain) HasIncrementals() bool { return len(c.files) > 1 }

// Paths returns the file paths in chain order.
func (c *Chain) Paths() []string {
	out := make([]string, len(c.files))
	for i, f := range c.files {
		out[i] = f.Path
	}
	return out
}
