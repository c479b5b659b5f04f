//go:build unix

package watch

import (
	"io/fs"
	"syscall"
)

// fileID names an inode. A rename keeps it; a newly created entry gets a
// different one while the renamed inode is still alive elsewhere.
type fileID struct {
	dev uint64
	ino uint64
}

// identify reads the inode from an Lstat result. ok is false when the
// platform does not expose one.
func identify(info fs.FileInfo) (id fileID, ok bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fileID{}, false
	}

	return fileID{dev: uint64(st.Dev), ino: uint64(st.Ino)}, true //nolint:unconvert // Dev is int32 on darwin
}
