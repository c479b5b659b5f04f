//go:build linux

package sync

import "golang.org/x/sys/unix"

// diskSpace returns the bytes available to unprivileged users on the volume
// containing path. unix.Statfs is used because syscall.Statfs_t field types
// differ across architectures.
func diskSpace(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}

	return uint64(stat.Bavail) * uint64(stat.Bsize), nil //nolint:gosec // kernel never reports negative values
}
