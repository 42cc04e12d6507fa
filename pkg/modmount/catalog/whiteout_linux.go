//go:build linux

package catalog

import (
	"io/fs"
	"syscall"
)

// isWhiteout reports whether the entry is a 0:0 character device, the
// overlayfs encoding for "delete the stock path".
func isWhiteout(d fs.DirEntry) bool {
	if d.Type()&fs.ModeCharDevice == 0 {
		return false
	}
	info, err := d.Info()
	if err != nil {
		return false
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return stat.Rdev == 0
}
