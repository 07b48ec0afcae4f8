//go:build windows

package cache

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// VolumeStats returns total, used and available bytes of the volume holding path.
func VolumeStats(path string) (total, used, available int64, err error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("utf16 path: %w", err)
	}
	var avail, size, free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &size, &free); err != nil {
		return 0, 0, 0, fmt.Errorf("GetDiskFreeSpaceEx %s: %w", path, err)
	}
	return int64(size), int64(size) - int64(free), int64(avail), nil
}
