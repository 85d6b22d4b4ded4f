//go:build windows

package index

import "os"

// isSpecialFile has no device/socket/FIFO concept worth special-casing on
// Windows; os.FileInfo's mode bits already flag the rare named-pipe case.
func isSpecialFile(path string, info os.FileInfo) bool {
	return info.Mode()&(os.ModeDevice|os.ModeNamedPipe|os.ModeSocket) != 0
}
