package chain_test

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/bamsammich/chainmap/internal/chain"
	"github.com/bamsammich/chainmap/internal/stream"
	"github.com/bamsammich/chainmap/internal/stream/streamtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAssignsSequence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	full := streamtest.Full(4096).WriteFile(t, dir, "full.data")
	inc1 := streamtest.Incremental(4096, "virtnbdbackup.1", "virtnbdbackup.0").WriteFile(t, dir, "inc1.data")
	inc2 := streamtest.Incremental(4096, "virtnbdbackup.2", "virtnbdbackup.1").WriteFile(t, dir, "inc2.data")

	c := openChain(t, full, inc1, inc2)
	require.Equal(t, 3, c.Len())
	assert.True(t, c.HasIncrementals())
	assert.Equal(t, uint64(4096), c.DiskSize())
	assert.Equal(t, []string{full, inc1, inc2}, c.Paths())

	files := c.Files()
	for i, f := range files {
		assert.Equal(t, uint32(i), f.Sequence) //nolint:gosec // G115: test
	}
	assert.Equal(t, stream.Full, files[0].Kind)
	assert.Equal(t, stream.Incremental, files[1].Kind)
	assert.Equal(t, stream.Incremental, files[2].Kind)

	// Files hands out a copy.
	files[0].Path = "mutated"
	assert.Equal(t, full, c.Files()[0].Path)
}

func TestOpenSingleFull(t *testing.T) {
	t.Parallel()

	c := openChain(t, streamtest.Full(4096).WriteFile(t, t.TempDir(), "full.data"))
	assert.False(t, c.HasIncrementals())
	assert.Equal(t, "virtnbdbackup.0", c.Metadata(0).CheckpointName)
}

func TestOpenRejects(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	full := streamtest.Full(4096).WriteFile(t, dir, "full.data")
	full2 := streamtest.Full(4096).WriteFile(t, dir, "full2.data")
	inc := streamtest.Incremental(4096, "virtnbdbackup.1", "virtnbdbackup.0").WriteFile(t, dir, "inc.data")
	garbage := filepath.Join(dir, "garbage.data")
	require.NoError(t, os.WriteFile(garbage, []byte("not a stream at all, definitely not one"), 0o644))

	tests := []struct {
		name   string
		paths  []string
		path   string
		reason string
	}{
		{name: "empty chain", paths: nil, reason: "no backup files"},
		{name: "incremental first", paths: []string{inc, full}, path: inc, reason: "must start with a full"},
		{name: "second full", paths: []string{full, inc, full2}, path: full2, reason: "only the first file may be full"},
		{name: "missing file", paths: []string{full, filepath.Join(dir, "nope")}, path: filepath.Join(dir, "nope"), reason: "cannot read metadata"},
		{name: "unreadable full", paths: []string{garbage}, path: garbage, reason: "cannot determine disk size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := chain.Open(tt.paths, slog.New(slog.DiscardHandler))
			var ce *chain.ChainError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.path, ce.Path)
			assert.Contains(t, ce.Error(), tt.reason)
		})
	}
}

func TestOpenUnreadableFullKeepsFormatError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "full.data")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), 80), 0o644))

	_, err := chain.Open([]string{path}, nil)
	var fe *stream.FormatError
	require.ErrorAs(t, err, &fe)
}

func TestOpenWarnsOnBrokenCheckpointChain(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	full := streamtest.Full(4096).WriteFile(t, dir, "full.data")
	inc := streamtest.Incremental(8192, "virtnbdbackup.5", "virtnbdbackup.4").WriteFile(t, dir, "inc.data")

	var logs bytes.Buffer
	c, err := chain.Open([]string{full, inc}, slog.New(slog.NewTextHandler(&logs, nil)))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
	assert.Contains(t, logs.String(), "checkpoint chain is not continuous")
	assert.Contains(t, logs.String(), "virtual size differs")
}
