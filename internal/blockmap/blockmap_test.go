package blockmap_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bamsammich/chainmap/internal/blockmap"
	"github.com/bamsammich/chainmap/internal/chain"
	"github.com/bamsammich/chainmap/internal/stream/streamtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func overrideMap(t *testing.T) (*chain.Map, string, string) {
	t.Helper()
	dir := t.TempDir()
	full := streamtest.Full(100).Fill(0, 100, 'f').WriteFile(t, dir, "full.data")
	inc := streamtest.Incremental(100, "c1", "virtnbdbackup.0").Zero(40, 20).WriteFile(t, dir, "inc.data")

	c, err := chain.Open([]string{full, inc}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	m, err := chain.Resolve(context.Background(), c)
	require.NoError(t, err)
	return m, full, inc
}

func TestWriteTempRecords(t *testing.T) {
	t.Parallel()

	m, full, inc := overrideMap(t)
	dir := t.TempDir()

	f, err := blockmap.WriteTemp(m, dir)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(f.Path))
	assert.True(t, strings.HasPrefix(filepath.Base(f.Path), "chainmap-"))
	assert.Equal(t, 3, f.Records)
	assert.Len(t, f.Digest, 64)

	recs, err := blockmap.Read(f.Path)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	entries := m.Entries()
	assert.Equal(t, blockmap.Record{
		VirtualOffset: 0, Length: 40, SourcePath: full, SourceOffset: entries[0].SourceOffset, Kind: "data",
	}, recs[0])
	assert.Equal(t, blockmap.Record{
		VirtualOffset: 40, Length: 20, SourcePath: inc, SourceOffset: 0, Kind: "zero",
	}, recs[1])
	assert.Equal(t, blockmap.Record{
		VirtualOffset: 60, Length: 40, SourcePath: full, SourceOffset: entries[0].SourceOffset + 60, Kind: "data",
	}, recs[2])

	digest, err := blockmap.HashFile(f.Path)
	require.NoError(t, err)
	assert.Equal(t, f.Digest, digest)
}

func TestWriteIsDeterministic(t *testing.T) {
	t.Parallel()

	m, _, _ := overrideMap(t)

	var a, b bytes.Buffer
	da, err := blockmap.Write(&a, m)
	require.NoError(t, err)
	db, err := blockmap.Write(&b, m)
	require.NoError(t, err)

	assert.Equal(t, a.Bytes(), b.Bytes())
	assert.Equal(t, da, db)
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()

	m, _, _ := overrideMap(t)
	f, err := blockmap.WriteTemp(m, t.TempDir())
	require.NoError(t, err)

	require.NoError(t, f.Remove())
	_, err = os.Stat(f.Path)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.NoError(t, f.Remove())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriteFailureIsIOError(t *testing.T) {
	t.Parallel()

	m, _, _ := overrideMap(t)
	_, err := blockmap.Write(failingWriter{}, m)

	var ioErr *blockmap.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Contains(t, err.Error(), "disk full")
}

func TestWriteTempMissingDir(t *testing.T) {
	t.Parallel()

	m, _, _ := overrideMap(t)
	_, err := blockmap.WriteTemp(m, filepath.Join(t.TempDir(), "missing"))

	var ioErr *blockmap.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "create", ioErr.Op)
}

func TestReadRejectsGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))

	_, err := blockmap.Read(path)
	var ioErr *blockmap.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "decode", ioErr.Op)
}
