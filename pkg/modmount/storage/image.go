package storage

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// DefaultImageSize is the sparse size of a freshly created backing image.
// ext4 allocates lazily, so unused space costs nothing on disk.
const DefaultImageSize = 256 << 20

// EnsureImage creates an ext4 image at path if one does not exist. The
// file is sparse; mkfs.ext4 formats it in place.
func EnsureImage(ctx context.Context, path string, size int64) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking image %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating image dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating image %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("sizing image %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return err
	}

	cmd := exec.CommandContext(ctx, "mkfs.ext4", "-q", "-O", "^has_journal", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("formatting image %s: %w (%s)", path, err, out)
	}
	return nil
}

// ImageMount is a loop-mounted per-module backing image.
type ImageMount struct {
	// Dir is where the image content is visible.
	Dir string

	// Device is the attached loop device.
	Device string

	// Path is the backing image file.
	Path string

	m *Manager
}

// MountModuleImage ensures the module's backing image exists, attaches it
// to a loop device and mounts it under the staging store.
func (m *Manager) MountModuleImage(ctx context.Context, moduleID string) (*ImageMount, error) {
	path := filepath.Join(m.opts.ImagesDir, moduleID+".img")
	if err := EnsureImage(ctx, path, DefaultImageSize); err != nil {
		return nil, err
	}

	dir := filepath.Join(m.opts.BaseDir, "imgmnt", moduleID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating image mount dir: %w", err)
	}

	device, err := m.opts.Ops.LoopAttach(path)
	if err != nil {
		return nil, fmt.Errorf("attaching %s: %w", path, err)
	}
	if err := m.opts.Ops.Mount(device, dir, "ext4", 0, ""); err != nil {
		_ = m.opts.Ops.LoopDetach(device)
		return nil, fmt.Errorf("mounting image for %s: %w", moduleID, err)
	}

	m.log.Debug("module image mounted", "module", moduleID, "device", device, "dir", dir)
	return &ImageMount{Dir: dir, Device: device, Path: path, m: m}, nil
}

// Close unmounts the image and releases the loop device.
func (im *ImageMount) Close() error {
	if err := im.m.opts.Ops.Unmount(im.Dir, 0); err != nil {
		return fmt.Errorf("unmounting %s: %w", im.Dir, err)
	}
	return im.m.opts.Ops.LoopDetach(im.Device)
}
