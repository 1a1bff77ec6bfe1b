package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
)

// Decoder reads the extents of one stream file in order. The metadata frame
// is consumed by NewDecoder; Next yields data and zero extents followed by a
// single stop extent, then io.EOF.
type Decoder struct {
	ref    FileRef
	src    io.Reader
	seeker io.Seeker
	closer io.Closer
	br     *bufio.Reader
	pos    int64

	meta    Metadata
	prevEnd uint64
	done    bool
	hdr     [HeaderSize]byte
}

// NewDecoder reads and validates the metadata frame from r. When r is also
// an io.Seeker, data payloads are skipped by seeking instead of reading.
func NewDecoder(r io.Reader, ref FileRef) (*Decoder, error) {
	d := &Decoder{
		ref: ref,
		src: r,
		br:  bufio.NewReaderSize(r, 64*1024),
	}
	if s, ok := r.(io.Seeker); ok {
		d.seeker = s
	}
	if err := d.readMeta(); err != nil {
		return nil, err
	}
	return d, nil
}

// Open opens ref.Path and returns a decoder positioned after the metadata.
func Open(ref FileRef) (*Decoder, error) {
	f, err := os.Open(ref.Path)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", ref.Path, err)
	}
	d, err := NewDecoder(f, ref)
	if err != nil {
		f.Close()
		return nil, err
	}
	d.closer = f
	return d, nil
}

// ReadMetadata decodes only the metadata frame of the stream at path.
func ReadMetadata(path string) (Metadata, error) {
	d, err := Open(FileRef{Path: path})
	if err != nil {
		return Metadata{}, err
	}
	defer d.Close()
	return d.meta, nil
}

// Extents returns a lazy sequence over the extents of ref. Every iteration
// re-opens the file, so ranging twice yields the same extents. The sequence
// ends after the stop extent or at the first error.
func Extents(ref FileRef) iter.Seq2[Extent, error] {
	return func(yield func(Extent, error) bool) {
		d, err := Open(ref)
		if err != nil {
			yield(Extent{}, err)
			return
		}
		defer d.Close()

		for {
			ext, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Extent{}, err)
				return
			}
			if !yield(ext, nil) {
				return
			}
		}
	}
}

// Metadata returns the decoded metadata frame.
func (d *Decoder) Metadata() Metadata { return d.meta }

// Close releases the underlying file when the decoder was created by Open.
func (d *Decoder) Close() error {
	if d.closer == nil {
		return nil
	}
	err := d.closer.Close()
	d.closer = nil
	return err
}

// Next returns the next extent. After the stop extent it returns io.EOF.
func (d *Decoder) Next() (Extent, error) {
	if d.done {
		return Extent{}, io.EOF
	}

	at := d.pos
	f, err := d.readHeader()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Extent{}, d.formatErr(at, "stream ends without stop frame", nil)
		}
		return Extent{}, err
	}

	switch f.Kind {
	case FrameStop:
		d.done = true
		return Extent{Offset: d.prevEnd, Kind: KindStop, Source: d.ref}, nil
	case FrameData, FrameZero:
	default:
		return Extent{}, d.formatErr(at, fmt.Sprintf("unexpected %s frame", f.Kind), nil)
	}

	if f.Length == 0 {
		return Extent{}, d.formatErr(at, fmt.Sprintf("%s frame with zero length", f.Kind), nil)
	}
	end := f.Start + f.Length
	if end < f.Start {
		return Extent{}, d.formatErr(at, "extent overflows address space", nil)
	}
	if f.Start < d.prevEnd {
		return Extent{}, d.formatErr(at,
			fmt.Sprintf("extent at %d overlaps previous extent ending at %d", f.Start, d.prevEnd), nil)
	}
	if end > d.meta.VirtualSize {
		return Extent{}, d.formatErr(at,
			fmt.Sprintf("extent [%d,%d) exceeds virtual size %d", f.Start, end, d.meta.VirtualSize), nil)
	}

	ext := Extent{
		Offset: f.Start,
		Length: f.Length,
		Kind:   KindZero,
		Source: d.ref,
	}
	if f.Kind == FrameData {
		ext.Kind = KindData
		ext.LocalOffset = d.pos
		if err := d.skip(f.Length); err != nil {
			return Extent{}, err
		}
		if err := d.readTerminator(); err != nil {
			return Extent{}, err
		}
	}

	d.prevEnd = end
	return ext, nil
}

func (d *Decoder) readMeta() error {
	f, err := d.readHeader()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return d.formatErr(0, "empty stream", nil)
		}
		return err
	}
	if f.Kind != FrameMeta {
		return d.formatErr(0, fmt.Sprintf("stream starts with %s frame, want meta", f.Kind), nil)
	}
	if f.Length == 0 || f.Length > MaxMetaSize {
		return d.formatErr(0, fmt.Sprintf("metadata length %d out of range", f.Length), nil)
	}

	at := d.pos
	payload := make([]byte, f.Length)
	if err := d.readFull(payload); err != nil {
		return err
	}
	if err := d.readTerminator(); err != nil {
		return err
	}

	meta, err := parseMetadata(payload)
	if err != nil {
		return d.formatErr(at, "invalid metadata", err)
	}
	if meta.Compressed {
		return d.formatErr(at,
			fmt.Sprintf("compressed stream (%s) cannot be mapped", meta.CompressionMethod), nil)
	}
	d.meta = meta
	return nil
}

// readHeader returns io.EOF only when the stream ends exactly on a frame
// boundary.
func (d *Decoder) readHeader() (Frame, error) {
	at := d.pos
	n, err := io.ReadFull(d.br, d.hdr[:])
	d.pos += int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, d.readErr(at, err)
	}

	f, err := ParseHeader(d.hdr[:])
	if err != nil {
		return Frame{}, d.formatErr(at, "bad frame header", err)
	}
	return f, nil
}

func (d *Decoder) readTerminator() error {
	var crlf [2]byte
	at := d.pos
	if err := d.readFull(crlf[:]); err != nil {
		return err
	}
	if crlf[0] != terminator[0] || crlf[1] != terminator[1] {
		return d.formatErr(at, "missing payload terminator", nil)
	}
	return nil
}

func (d *Decoder) readFull(b []byte) error {
	at := d.pos
	n, err := io.ReadFull(d.br, b)
	d.pos += int64(n)
	if err != nil {
		return d.readErr(at, err)
	}
	return nil
}

func (d *Decoder) skip(n uint64) error {
	at := d.pos
	if d.seeker != nil {
		target := d.pos + int64(n)
		if _, err := d.seeker.Seek(target, io.SeekStart); err != nil {
			return d.readErr(at, err)
		}
		d.br.Reset(d.src)
		d.pos = target
		return nil
	}

	for n > 0 {
		chunk := min(n, uint64(1<<30))
		discarded, err := d.br.Discard(int(chunk))
		d.pos += int64(discarded)
		if err != nil {
			return d.readErr(at, err)
		}
		n -= chunk
	}
	return nil
}

func (d *Decoder) readErr(at int64, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return d.formatErr(at, "truncated stream", io.ErrUnexpectedEOF)
	}
	return fmt.Errorf("read stream %s: %w", d.ref.Path, err)
}

func (d *Decoder) formatErr(at int64, reason string, err error) error {
	return &FormatError{Path: d.ref.Path, Offset: at, Reason: reason, Err: err}
}
