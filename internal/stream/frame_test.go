package stream_test

import (
	"bytes"
	"testing"

	"github.com/bamsammich/chainmap/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame stream.Frame
	}{
		{name: "meta", frame: stream.Frame{Kind: stream.FrameMeta, Length: 321}},
		{name: "data", frame: stream.Frame{Kind: stream.FrameData, Start: 1 << 30, Length: 65536}},
		{name: "zero", frame: stream.Frame{Kind: stream.FrameZero, Start: 4096, Length: 1 << 40}},
		{name: "stop", frame: stream.Frame{Kind: stream.FrameStop}},
		{name: "max values", frame: stream.Frame{Kind: stream.FrameData, Start: ^uint64(0) - 1, Length: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			hdr := stream.AppendHeader(nil, tt.frame)
			require.Len(t, hdr, stream.HeaderSize)

			got, err := stream.ParseHeader(hdr)
			require.NoError(t, err)
			assert.Equal(t, tt.frame, got)
		})
	}
}

func TestHeaderWireFormat(t *testing.T) {
	t.Parallel()

	hdr := stream.AppendHeader(nil, stream.Frame{Kind: stream.FrameData, Start: 0x1000, Length: 0x200})
	assert.Equal(t, "data 0000000000001000 0000000000000200\r\n", string(hdr))
}

func TestParseHeaderRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "short", raw: "data 0000000000001000"},
		{name: "unknown kind", raw: "blob 0000000000001000 0000000000000200\r\n"},
		{name: "non hex start", raw: "data 00000000000010zz 0000000000000200\r\n"},
		{name: "non hex length", raw: "data 0000000000001000 000000000000020g\r\n"},
		{name: "missing crlf", raw: "data 0000000000001000 0000000000000200\n\n"},
		{name: "bad separator", raw: "data_0000000000001000 0000000000000200\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := stream.ParseHeader([]byte(tt.raw))
			require.ErrorIs(t, err, stream.ErrMalformedHeader)
		})
	}
}

func TestWriteFramePayloadMismatch(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := stream.WriteFrame(&buf, stream.Frame{Kind: stream.FrameData, Length: 10}, []byte("abc"))
	require.Error(t, err)
	assert.Zero(t, buf.Len())
}

func TestWriteFrameTerminatesPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, stream.WriteFrame(&buf, stream.Frame{Kind: stream.FrameData, Length: 3}, []byte("abc")))
	assert.Equal(t, stream.HeaderSize+3+2, buf.Len())
	assert.True(t, bytes.HasSuffix(buf.Bytes(), []byte("abc\r\n")))

	buf.Reset()
	require.NoError(t, stream.WriteFrame(&buf, stream.Frame{Kind: stream.FrameZero, Length: 4096}, nil))
	assert.Equal(t, stream.HeaderSize, buf.Len())
}
