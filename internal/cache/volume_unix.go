//go:build !windows

package cache

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// VolumeStats returns total, used and available bytes of the filesystem holding path.
// Available counts blocks usable by unprivileged writers.
func VolumeStats(path string) (total, used, available int64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := int64(st.Bsize) //nolint:unconvert
	total = int64(st.Blocks) * bsize
	available = int64(st.Bavail) * bsize
	used = total - int64(st.Bfree)*bsize
	return total, used, available, nil
}
