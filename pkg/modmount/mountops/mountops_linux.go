//go:build linux

package mountops

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

type realOps struct{}

func (realOps) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (realOps) Unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

func (realOps) Statfs(path string) (Stats, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return Stats{}, err
	}
	bsize := uint64(fs.Bsize)
	return Stats{
		Size:      fs.Blocks * bsize,
		Free:      fs.Bfree * bsize,
		Available: fs.Bavail * bsize,
	}, nil
}

func (realOps) Setxattr(path, attr string, data []byte) error {
	return unix.Setxattr(path, attr, data, 0)
}

func (realOps) Mknod(path string, mode uint32, dev uint64) error {
	return unix.Mknod(path, mode, int(dev))
}

func (realOps) LoopAttach(image string) (string, error) {
	ctl, err := os.OpenFile("/dev/loop-control", os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("opening loop control: %w", err)
	}
	defer ctl.Close()

	n, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return "", fmt.Errorf("acquiring free loop device: %w", err)
	}
	device := fmt.Sprintf("/dev/loop%d", n)

	img, err := os.OpenFile(image, os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("opening image: %w", err)
	}
	defer img.Close()

	dev, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", device, err)
	}
	defer dev.Close()

	if err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_SET_FD, int(img.Fd())); err != nil {
		return "", fmt.Errorf("attaching %s to %s: %w", image, device, err)
	}

	var info unix.LoopInfo64
	copy(info.File_name[:], image)
	info.Flags = unix.LO_FLAGS_AUTOCLEAR
	if err := unix.IoctlLoopSetStatus64(int(dev.Fd()), &info); err != nil {
		_ = unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0)
		return "", fmt.Errorf("configuring %s: %w", device, err)
	}
	return device, nil
}

func (realOps) LoopDetach(device string) error {
	dev, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", device, err)
	}
	defer dev.Close()
	return unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0)
}
