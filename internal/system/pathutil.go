package system

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// GetAvailableSpace returns available space in bytes for the filesystem containing path
func GetAvailableSpace(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(filepath.Dir(path), &stat); err != nil {
		return 0, fmt.Errorf("failed to get filesystem stats: %w", err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// LazyUnmount detaches a mount point directly via the kernel, bypassing the
// umount binary. Last resort for the reconciler when umount itself fails.
func LazyUnmount(path string) error {
	if err := unix.Unmount(path, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("lazy unmount of %s: %w", path, err)
	}
	return nil
}
