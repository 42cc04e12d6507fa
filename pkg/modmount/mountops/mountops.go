// Package mountops isolates the mount-related syscalls behind a small
// interface so executors and the storage manager can be tested without
// touching the kernel.
package mountops

import "errors"

// ErrUnsupported is returned by the real implementation on platforms
// without Linux mount syscalls.
var ErrUnsupported = errors.New("mount operations unsupported on this platform")

// Mount flags, mirroring the kernel MS_* values. Declared here so callers
// compile on every platform; the real implementation only exists on Linux.
const (
	FlagRdonly  uintptr = 0x1    // MS_RDONLY
	FlagBind    uintptr = 0x1000 // MS_BIND
	FlagRec     uintptr = 0x4000 // MS_REC
	FlagPrivate uintptr = 0x40000
)

// Unmount flags.
const (
	DetachLazy = 0x2 // MNT_DETACH
)

// Stats reports filesystem usage for a mount point.
type Stats struct {
	// Size is the total size in bytes.
	Size uint64

	// Free is the unused space in bytes.
	Free uint64

	// Available is the space available to unprivileged callers.
	Available uint64
}

// Used returns the occupied bytes.
func (s Stats) Used() uint64 {
	if s.Free > s.Size {
		return 0
	}
	return s.Size - s.Free
}

// Interface is the set of privileged operations the mount pipeline needs.
type Interface interface {
	// Mount wraps mount(2).
	Mount(source, target, fstype string, flags uintptr, data string) error

	// Unmount wraps umount2(2).
	Unmount(target string, flags int) error

	// Statfs reports usage for the filesystem containing path.
	Statfs(path string) (Stats, error)

	// Setxattr sets an extended attribute; used for the tmpfs xattr probe
	// and overlay opaque markers.
	Setxattr(path, attr string, data []byte) error

	// Mknod creates a device node; whiteouts are 0:0 character devices.
	Mknod(path string, mode uint32, dev uint64) error

	// LoopAttach binds an image file to a free loop device and returns
	// the device path.
	LoopAttach(image string) (string, error)

	// LoopDetach releases a loop device.
	LoopDetach(device string) error
}

// New returns the real implementation for the build platform.
func New() Interface {
	return realOps{}
}
