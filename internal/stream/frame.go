package stream

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	// HeaderSize is the size of a frame header in bytes:
	// 4 byte kind, space, 16 hex digit start, space, 16 hex digit length, CR LF.
	HeaderSize = 40

	// MaxMetaSize bounds the metadata payload so a corrupt header cannot
	// make the decoder allocate arbitrary amounts of memory.
	MaxMetaSize = 1 << 20
)

var terminator = []byte("\r\n")

// FrameKind identifies the record type carried by a frame header.
type FrameKind uint8

const (
	FrameMeta FrameKind = iota + 1
	FrameData
	FrameZero
	FrameStop
	FrameComp
)

var frameNames = [...]string{
	FrameMeta: "meta",
	FrameData: "data",
	FrameZero: "zero",
	FrameStop: "stop",
	FrameComp: "comp",
}

func (k FrameKind) String() string {
	if int(k) < len(frameNames) && frameNames[k] != "" {
		return frameNames[k]
	}
	return "unknown"
}

// HasPayload reports whether a frame of this kind is followed by a payload
// and a CR LF terminator.
func (k FrameKind) HasPayload() bool {
	return k == FrameMeta || k == FrameData || k == FrameComp
}

func parseFrameKind(b []byte) (FrameKind, bool) {
	for k, name := range frameNames {
		if name != "" && string(b) == name {
			return FrameKind(k), true
		}
	}
	return 0, false
}

// Frame is one decoded frame header.
type Frame struct {
	Kind   FrameKind
	Start  uint64
	Length uint64
}

// ErrMalformedHeader is returned when a frame header cannot be parsed.
var ErrMalformedHeader = errors.New("malformed frame header")

// AppendHeader appends the 40 byte header for f to b.
func AppendHeader(b []byte, f Frame) []byte {
	return fmt.Appendf(b, "%4s %016x %016x\r\n", f.Kind, f.Start, f.Length)
}

// ParseHeader decodes a 40 byte frame header.
func ParseHeader(b []byte) (Frame, error) {
	if len(b) != HeaderSize {
		return Frame{}, fmt.Errorf("%w: got %d bytes", ErrMalformedHeader, len(b))
	}
	if b[4] != ' ' || b[21] != ' ' || b[38] != '\r' || b[39] != '\n' {
		return Frame{}, fmt.Errorf("%w: bad separators", ErrMalformedHeader)
	}

	kind, ok := parseFrameKind(b[0:4])
	if !ok {
		return Frame{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedHeader, b[0:4])
	}
	start, err := strconv.ParseUint(string(b[5:21]), 16, 64)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: start: %w", ErrMalformedHeader, err)
	}
	length, err := strconv.ParseUint(string(b[22:38]), 16, 64)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: length: %w", ErrMalformedHeader, err)
	}

	return Frame{Kind: kind, Start: start, Length: length}, nil
}

// WriteFrame writes a frame header followed, for payload-carrying kinds, by
// payload and the CR LF terminator. Header and payload go out in one Write.
func WriteFrame(w io.Writer, f Frame, payload []byte) error {
	if f.Kind.HasPayload() && uint64(len(payload)) != f.Length {
		return fmt.Errorf("write %s frame: payload is %d bytes, header says %d", f.Kind, len(payload), f.Length)
	}

	buf := make([]byte, 0, HeaderSize+len(payload)+len(terminator))
	buf = AppendHeader(buf, f)
	if f.Kind.HasPayload() {
		buf = append(buf, payload...)
		buf = append(buf, terminator...)
	}

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Kind, err)
	}
	return nil
}
