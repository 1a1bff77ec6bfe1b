// Package streamtest builds stream files for tests.
package streamtest

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/bamsammich/chainmap/internal/stream"
)

type record struct {
	kind    stream.FrameKind
	offset  uint64
	length  uint64
	payload []byte
}

// Builder accumulates extents and renders them as a stream file.
type Builder struct {
	meta    stream.Metadata
	records []record
	noStop  bool
	trailer []byte
}

// Full starts a full backup of the given virtual size.
func Full(virtualSize uint64) *Builder {
	return &Builder{meta: stream.Metadata{
		VirtualSize:    virtualSize,
		Date:           "2026-01-01T00:00:00",
		DiskName:       "sda",
		DiskFormat:     "raw",
		CheckpointName: "virtnbdbackup.0",
		StreamVersion:  2,
	}}
}

// Incremental starts an incremental backup of the given virtual size.
func Incremental(virtualSize uint64, checkpoint, parent string) *Builder {
	b := Full(virtualSize)
	b.meta.Incremental = true
	b.meta.CheckpointName = checkpoint
	b.meta.ParentCheckpoint = parent
	return b
}

// Meta lets a test adjust the metadata before rendering.
func (b *Builder) Meta(fn func(*stream.Metadata)) *Builder {
	fn(&b.meta)
	return b
}

// Data adds a data extent carrying payload at offset.
func (b *Builder) Data(offset uint64, payload []byte) *Builder {
	b.records = append(b.records, record{
		kind:    stream.FrameData,
		offset:  offset,
		length:  uint64(len(payload)),
		payload: payload,
	})
	return b
}

// Fill adds a data extent of length bytes all set to c.
func (b *Builder) Fill(offset, length uint64, c byte) *Builder {
	return b.Data(offset, bytes.Repeat([]byte{c}, int(length)))
}

// Zero adds a zero extent.
func (b *Builder) Zero(offset, length uint64) *Builder {
	b.records = append(b.records, record{kind: stream.FrameZero, offset: offset, length: length})
	return b
}

// WithoutStop renders the stream without its stop frame.
func (b *Builder) WithoutStop() *Builder {
	b.noStop = true
	return b
}

// Trailer appends raw bytes after the stop frame.
func (b *Builder) Trailer(raw []byte) *Builder {
	b.trailer = raw
	return b
}

// Bytes renders the stream.
func (b *Builder) Bytes() []byte {
	meta := b.meta
	for _, r := range b.records {
		if r.kind == stream.FrameData {
			meta.DataSize += r.length
		}
	}
	mb, err := stream.MarshalMetadata(meta)
	if err != nil {
		panic(err)
	}

	var buf bytes.Buffer
	must(stream.WriteFrame(&buf, stream.Frame{Kind: stream.FrameMeta, Length: uint64(len(mb))}, mb))
	for _, r := range b.records {
		must(stream.WriteFrame(&buf, stream.Frame{Kind: r.kind, Start: r.offset, Length: r.length}, r.payload))
	}
	if !b.noStop {
		must(stream.WriteFrame(&buf, stream.Frame{Kind: stream.FrameStop}, nil))
	}
	buf.Write(b.trailer)
	return buf.Bytes()
}

// WriteFile renders the stream into dir/name and returns the path.
func (b *Builder) WriteFile(t testing.TB, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		t.Fatalf("write stream %s: %v", path, err)
	}
	return path
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
