//go:build !linux

package catalog

import "io/fs"

// isWhiteout always reports false off Linux; whiteout devices only exist on
// the device filesystems the daemon mounts.
func isWhiteout(d fs.DirEntry) bool {
	return false
}
