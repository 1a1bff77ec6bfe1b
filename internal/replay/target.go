package replay

import (
	"fmt"
	"io"
	"os"

	"github.com/bamsammich/chainmap/internal/platform"
)

// Target is the attached device replay writes to.
type Target interface {
	Name() string
	Size() (int64, error)
	CopyRange(src *os.File, srcOffset, dstOffset, length int64, tee io.Writer, throttle func(int) error) (int64, error)
	ZeroRange(offset, length int64) (platform.ZeroMethod, error)
	Sync() error
}

// DeviceTarget is a Target backed by an open block device or image file.
type DeviceTarget struct {
	f *os.File
}

// OpenDevice opens path for positional writes.
func OpenDevice(path string) (*DeviceTarget, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", path, err)
	}
	return &DeviceTarget{f: f}, nil
}

func (d *DeviceTarget) Name() string { return d.f.Name() }

func (d *DeviceTarget) Size() (int64, error) { return platform.DeviceSize(d.f) }

func (d *DeviceTarget) CopyRange(src *os.File, srcOffset, dstOffset, length int64, tee io.Writer, throttle func(int) error) (int64, error) {
	return platform.CopyRange(platform.CopyRangeParams{
		Src:       src,
		SrcOffset: srcOffset,
		Dst:       d.f,
		DstOffset: dstOffset,
		Length:    length,
		Tee:       tee,
		Throttle:  throttle,
	})
}

func (d *DeviceTarget) ZeroRange(offset, length int64) (platform.ZeroMethod, error) {
	return platform.ZeroRange(d.f, offset, length)
}

func (d *DeviceTarget) Sync() error { return d.f.Sync() }

// ReadAt reads from the device; verify uses it.
func (d *DeviceTarget) ReadAt(p []byte, off int64) (int, error) { return d.f.ReadAt(p, off) }

func (d *DeviceTarget) Close() error { return d.f.Close() }
