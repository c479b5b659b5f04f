//go:build darwin

package sync

import "syscall"

// diskSpace returns the bytes available to unprivileged users on the volume
// containing path.
func diskSpace(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}

	return stat.Bavail * uint64(stat.Bsize), nil
}
