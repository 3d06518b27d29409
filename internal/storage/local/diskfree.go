// diskfree.go - free space lookup for the directory-rooted store.
// Platform specific code for Unix-like systems.
package local

import (
	"fmt"
	"syscall"
)

// statfsAvailable returns the bytes available to unprivileged users on the
// filesystem holding path.
func statfsAvailable(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
