package platform

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const bufferSize = 1 << 20 // 1 MiB

// pwrite is replaced in tests.
var pwrite = unix.Pwrite

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, bufferSize)
		return &b
	},
}

// CopyRange copies Length bytes from Src at SrcOffset to Dst at DstOffset
// using pread/pwrite with a pooled buffer. It returns the number of bytes
// written before any error.
//
//nolint:gosec // G115: fd values are small non-negative integers
func CopyRange(params CopyRangeParams) (int64, error) {
	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)
	buf := *bufp

	srcFd := int(params.Src.Fd())
	dstFd := int(params.Dst.Fd())
	roff := params.SrcOffset
	woff := params.DstOffset
	remaining := params.Length

	var total int64
	for remaining > 0 {
		chunk := int(min(remaining, bufferSize))
		if params.Throttle != nil {
			if err := params.Throttle(chunk); err != nil {
				return total, err
			}
		}

		n, err := unix.Pread(srcFd, buf[:chunk], roff)
		if err != nil {
			return total, fmt.Errorf("pread %s at %d: %w", params.Src.Name(), roff, err)
		}
		if n == 0 {
			return total, fmt.Errorf("pread %s at %d: %w", params.Src.Name(), roff, io.ErrUnexpectedEOF)
		}

		written := 0
		for written < n {
			w, err := pwrite(dstFd, buf[written:n], woff+int64(written))
			if err == nil && w == 0 {
				err = io.ErrShortWrite
			}
			if err != nil {
				return total + int64(written), fmt.Errorf("pwrite %s at %d: %w", params.Dst.Name(), woff+int64(written), err)
			}
			written += w
		}
		if params.Tee != nil {
			_, _ = params.Tee.Write(buf[:n])
		}

		roff += int64(n)
		woff += int64(n)
		remaining -= int64(n)
		total += int64(n)
	}
	return total, nil
}

// WriteZeros fills [offset, offset+length) of f with explicit zero buffers.
//
//nolint:gosec // G115: fd values are small non-negative integers
func WriteZeros(f *os.File, offset, length int64) error {
	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)
	buf := *bufp
	clear(buf)

	fd := int(f.Fd())
	for length > 0 {
		chunk := int(min(length, bufferSize))
		w, err := pwrite(fd, buf[:chunk], offset)
		if err == nil && w == 0 {
			err = io.ErrShortWrite
		}
		if err != nil {
			return fmt.Errorf("pwrite zeros at %d: %w", offset, err)
		}
		offset += int64(w)
		length -= int64(w)
	}
	return nil
}

// isFallbackErr returns true if err means the fast path is unsupported and
// the caller should try the next strategy.
func isFallbackErr(err error) bool {
	switch err {
	case unix.ENOSYS, unix.EOPNOTSUPP, unix.EINVAL, unix.ENOTTY:
		return true
	}
	return false
}
