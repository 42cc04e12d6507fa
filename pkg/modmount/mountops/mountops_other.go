//go:build !linux

package mountops

type realOps struct{}

func (realOps) Mount(source, target, fstype string, flags uintptr, data string) error {
	return ErrUnsupported
}

func (realOps) Unmount(target string, flags int) error {
	return ErrUnsupported
}

func (realOps) Statfs(path string) (Stats, error) {
	return Stats{}, ErrUnsupported
}

func (realOps) Setxattr(path, attr string, data []byte) error {
	return ErrUnsupported
}

func (realOps) Mknod(path string, mode uint32, dev uint64) error {
	return ErrUnsupported
}

func (realOps) LoopAttach(image string) (string, error) {
	return "", ErrUnsupported
}

func (realOps) LoopDetach(device string) error {
	return ErrUnsupported
}
