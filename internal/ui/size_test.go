package ui

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSizeBlockSizes(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		aligned bool // usable as an export block size
	}{
		{"512", 512, true},
		{"4096", 4096, true},
		{"4k", 4096, true},
		{"64KiB", 65536, true},
		{"1M", 1 << 20, true},
		{"1.5K", 1536, true},
		{"0.5k", 512, true},
		{"1000", 1000, false},
		{"100B", 100, false},
		{"0", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.aligned, got > 0 && got%512 == 0)
		})
	}
}

func TestParseSizeBandwidth(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"200M", 200 << 20},
		{"200MB", 200 << 20},
		{"200 mib", 200 << 20},
		{"1G", 1 << 30},
		{"2.5g", 5 << 29},
		{"1T", 1 << 40},
		{"750 K", 750 << 10},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSizeRejects(t *testing.T) {
	for _, input := range []string{"", "  ", "fast", "M", "KiB", "-4K", "-1", "1.2.3G", "ten MB"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseSize(input)
			assert.Error(t, err)
		})
	}
}
