package mountops

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

// MountCall records one Mount invocation on the fake.
type MountCall struct {
	Source string
	Target string
	FSType string
	Flags  uintptr
	Data   string
}

// Fake is an in-memory Interface for tests. It records every call and
// fails the operations listed in its error maps.
type Fake struct {
	mu sync.Mutex

	Mounts   []MountCall
	Unmounts []string
	Xattrs   map[string]map[string][]byte
	Nodes    map[string]uint64
	Attached map[string]string

	// MountErr maps a target to the error Mount returns for it. A target
	// can map to a slice via MountErrOnce to fail only the first N calls,
	// which exercises the retry path.
	MountErr     map[string]error
	MountErrOnce map[string][]error
	UnmountErr   map[string]error
	XattrErr     error
	StatsByPath  map[string]Stats

	nextLoop int
}

// NewFake returns an empty fake.
func NewFake() *Fake {
	return &Fake{
		Xattrs:   make(map[string]map[string][]byte),
		Nodes:    make(map[string]uint64),
		Attached: make(map[string]string),
	}
}

// Mount records the call and fails if configured to.
func (f *Fake) Mount(source, target, fstype string, flags uintptr, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if queue := f.MountErrOnce[target]; len(queue) > 0 {
		err := queue[0]
		f.MountErrOnce[target] = queue[1:]
		if err != nil {
			return err
		}
	} else if err := f.MountErr[target]; err != nil {
		return err
	}

	f.Mounts = append(f.Mounts, MountCall{
		Source: source, Target: target, FSType: fstype, Flags: flags, Data: data,
	})
	return nil
}

// Unmount records the call. Configured errors only apply to plain
// unmounts; lazy detaches always succeed, mirroring the kernel's
// behavior for busy targets.
func (f *Fake) Unmount(target string, flags int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.UnmountErr[target]; err != nil && flags == 0 {
		return err
	}
	f.Unmounts = append(f.Unmounts, target)
	return nil
}

// Statfs returns the configured stats for path, or a roomy default.
func (f *Fake) Statfs(path string) (Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.StatsByPath[path]; ok {
		return s, nil
	}
	return Stats{Size: 1 << 30, Free: 1 << 29, Available: 1 << 29}, nil
}

// Setxattr records the attribute.
func (f *Fake) Setxattr(path, attr string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.XattrErr != nil {
		return f.XattrErr
	}
	if f.Xattrs[path] == nil {
		f.Xattrs[path] = make(map[string][]byte)
	}
	f.Xattrs[path][attr] = append([]byte(nil), data...)
	return nil
}

// Mknod records the device node, leaving a placeholder file so callers
// observe the kernel's EEXIST behavior for occupied paths.
func (f *Fake) Mknod(path string, mode uint32, dev uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Lstat(path); err == nil {
		return syscall.EEXIST
	}
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		return err
	}
	f.Nodes[path] = dev
	return nil
}

// LoopAttach hands out sequential fake loop devices.
func (f *Fake) LoopAttach(image string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	device := fmt.Sprintf("/dev/loop%d", f.nextLoop)
	f.nextLoop++
	f.Attached[device] = image
	return device, nil
}

// LoopDetach releases a fake loop device.
func (f *Fake) LoopDetach(device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.Attached[device]; !ok {
		return fmt.Errorf("loop device %s not attached", device)
	}
	delete(f.Attached, device)
	return nil
}

// MountedTargets returns the targets of recorded mounts in call order.
func (f *Fake) MountedTargets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.Mounts))
	for i, c := range f.Mounts {
		out[i] = c.Target
	}
	return out
}
