// Package blockmap serializes a resolved extent map into the routing table
// read by the multiplexing export server plugin.
package blockmap

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/zeebo/blake3"

	"github.com/bamsammich/chainmap/internal/chain"
	"github.com/bamsammich/chainmap/internal/stream"
)

// Record is one routing table entry.
type Record struct {
	VirtualOffset uint64 `json:"virtualOffset"`
	Length        uint64 `json:"length"`
	SourcePath    string `json:"sourcePath"`
	SourceOffset  int64  `json:"sourceOffset"`
	Kind          string `json:"kind"`
}

// IOError reports a failure writing or reading the routing table.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("routing table %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("routing table %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func recordOf(e chain.Entry) Record {
	r := Record{
		VirtualOffset: e.Offset,
		Length:        e.Length,
		SourcePath:    e.Source.Path,
		Kind:          e.Kind.String(),
	}
	if e.Kind == stream.KindData {
		r.SourceOffset = e.SourceOffset
	}
	return r
}

// Write encodes m to w as a JSON array in ascending offset order and
// returns the hex BLAKE3 digest of the bytes written.
func Write(w io.Writer, m *chain.Map) (string, error) {
	h := blake3.New()
	bw := bufio.NewWriterSize(io.MultiWriter(w, h), 256*1024)

	if _, err := bw.WriteString("["); err != nil {
		return "", &IOError{Op: "write", Err: err}
	}
	n := 0
	for e := range m.All() {
		if e.Kind == stream.KindStop {
			continue
		}
		b, err := json.Marshal(recordOf(e))
		if err != nil {
			return "", &IOError{Op: "encode", Err: err}
		}
		sep := ",\n"
		if n == 0 {
			sep = "\n"
		}
		if _, err := bw.WriteString(sep); err != nil {
			return "", &IOError{Op: "write", Err: err}
		}
		if _, err := bw.Write(b); err != nil {
			return "", &IOError{Op: "write", Err: err}
		}
		n++
	}
	if _, err := bw.WriteString("\n]\n"); err != nil {
		return "", &IOError{Op: "write", Err: err}
	}
	if err := bw.Flush(); err != nil {
		return "", &IOError{Op: "flush", Err: err}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// File is a routing table persisted on disk.
type File struct {
	Path    string
	Digest  string
	Records int
}

// WriteTemp writes m to a new temporary file in dir (os.TempDir when
// empty). The file is synced and closed before WriteTemp returns; on error
// nothing is left behind.
func WriteTemp(m *chain.Map, dir string) (*File, error) {
	f, err := os.CreateTemp(dir, "chainmap-*.json")
	if err != nil {
		return nil, &IOError{Op: "create", Path: dir, Err: err}
	}
	path := f.Name()

	fail := func(op string, err error) (*File, error) {
		f.Close()
		os.Remove(path)
		return nil, &IOError{Op: op, Path: path, Err: err}
	}

	digest, err := Write(f, m)
	if err != nil {
		var ioErr *IOError
		if errors.As(err, &ioErr) {
			return fail(ioErr.Op, ioErr.Err)
		}
		return fail("write", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, &IOError{Op: "close", Path: path, Err: err}
	}

	return &File{Path: path, Digest: digest, Records: m.Len()}, nil
}

// Remove deletes the routing table. A file that is already gone is not an
// error.
func (f *File) Remove() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &IOError{Op: "remove", Path: f.Path, Err: err}
	}
	return nil
}

// Read decodes a routing table file.
func Read(path string) ([]Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}
	var recs []Record
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, &IOError{Op: "decode", Path: path, Err: err}
	}
	return recs, nil
}

// HashFile computes the hex BLAKE3 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	buf := make([]byte, 32*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
