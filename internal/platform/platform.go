package platform

import (
	"io"
	"os"
)

// ZeroMethod identifies how a range was zeroed.
type ZeroMethod int

const (
	ZeroWrite     ZeroMethod = iota // explicit zero buffers
	ZeroBlkdev                      // BLKZEROOUT ioctl on a block device
	ZeroFallocate                   // fallocate(2) FALLOC_FL_ZERO_RANGE
	ZeroPunchHole                   // fallocate(2) FALLOC_FL_PUNCH_HOLE
)

func (m ZeroMethod) String() string {
	switch m {
	case ZeroWrite:
		return "write"
	case ZeroBlkdev:
		return "blkzeroout"
	case ZeroFallocate:
		return "zero_range"
	case ZeroPunchHole:
		return "punch_hole"
	default:
		return "unknown"
	}
}

// CopyRangeParams describes a positional copy between two open files.
type CopyRangeParams struct {
	Src       *os.File
	SrcOffset int64
	Dst       *os.File
	DstOffset int64
	Length    int64

	// Tee, when set, receives every chunk after it has been written.
	Tee io.Writer
	// Throttle, when set, is called with each chunk size before it is read.
	Throttle func(n int) error
}
