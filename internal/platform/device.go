package platform

import (
	"fmt"
	"os"
)

// IsBlockDevice reports whether fi describes a block special file.
func IsBlockDevice(fi os.FileInfo) bool {
	m := fi.Mode()
	return m&os.ModeDevice != 0 && m&os.ModeCharDevice == 0
}

// CheckDevice verifies that path exists and is a block device. Regular files
// are accepted when allowRegular is set, for working against image files.
func CheckDevice(path string, allowRegular bool) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if IsBlockDevice(fi) {
		return nil
	}
	if allowRegular && fi.Mode().IsRegular() {
		return nil
	}
	return fmt.Errorf("%s is not a block device", path)
}
