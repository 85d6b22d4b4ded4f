//go:build !windows

package index

import (
	"os"

	"golang.org/x/sys/unix"
)

// isSpecialFile reports whether path is a device, socket, or FIFO rather
// than a regular file, so the walk in Build/Update skips it even if an
// ignore pattern didn't already catch it.
func isSpecialFile(path string, info os.FileInfo) bool {
	var stat unix.Stat_t
	if err := unix.Stat(path, &stat); err != nil {
		return false
	}
	switch stat.Mode & unix.S_IFMT {
	case unix.S_IFCHR, unix.S_IFBLK, unix.S_IFIFO, unix.S_IFSOCK:
		return true
	default:
		return false
	}
}
