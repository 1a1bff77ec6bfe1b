//go:build linux

package platform

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Block device ioctl constants from <linux/fs.h>
const (
	blkGetSize64 = 0x80081272
	blkZeroOut   = 0x127f
)

// DeviceSize returns the size in bytes of a block device or regular file.
//
//nolint:gosec // G115: fd values are small non-negative integers
func DeviceSize(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if !IsBlockDevice(fi) {
		return fi.Size(), nil
	}

	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), blkGetSize64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, fmt.Errorf("BLKGETSIZE64 %s: %w", f.Name(), errno)
	}
	return int64(size), nil
}

// ZeroRange makes [offset, offset+length) of f read as zeros, preferring
// BLKZEROOUT on block devices and fallocate on regular files. It falls back
// to writing zero buffers when neither is supported.
//
//nolint:gosec // G115: fd values are small non-negative integers
func ZeroRange(f *os.File, offset, length int64) (ZeroMethod, error) {
	fi, err := f.Stat()
	if err != nil {
		return ZeroWrite, err
	}

	if IsBlockDevice(fi) {
		rng := [2]uint64{uint64(offset), uint64(length)}
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), blkZeroOut, uintptr(unsafe.Pointer(&rng)))
		if errno == 0 {
			return ZeroBlkdev, nil
		}
		if !isFallbackErr(errno) {
			return ZeroBlkdev, fmt.Errorf("BLKZEROOUT %s at %d: %w", f.Name(), offset, errno)
		}
	} else {
		fd := int(f.Fd())
		err := unix.Fallocate(fd, unix.FALLOC_FL_ZERO_RANGE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
		if err == nil {
			return ZeroFallocate, nil
		}
		if !isFallbackErr(err) {
			return ZeroFallocate, fmt.Errorf("fallocate zero range %s at %d: %w", f.Name(), offset, err)
		}
		err = unix.Fallocate(fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
		if err == nil {
			return ZeroPunchHole, nil
		}
		if !isFallbackErr(err) {
			return ZeroPunchHole, fmt.Errorf("fallocate punch hole %s at %d: %w", f.Name(), offset, err)
		}
	}

	return ZeroWrite, WriteZeros(f, offset, length)
}
