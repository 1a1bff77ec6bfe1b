//go:build !linux

package platform

import (
	"io"
	"os"
)

// DeviceSize returns the size of f by seeking to its end.
func DeviceSize(f *os.File) (int64, error) {
	return f.Seek(0, io.SeekEnd)
}

// ZeroRange writes zero buffers; there is no portable fast path.
func ZeroRange(f *os.File, offset, length int64) (ZeroMethod, error) {
	return ZeroWrite, WriteZeros(f, offset, length)
}
