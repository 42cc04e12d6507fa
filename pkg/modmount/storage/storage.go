// Package storage manages the backing store that stages module content
// before mounting. The preferred store is a tmpfs mount; devices whose
// tmpfs cannot carry extended attributes (needed for SELinux labels and
// overlay markers) fall back to a loop-mounted ext4 image.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/kellerow/modmount/pkg/modmount/logging"
	"github.com/kellerow/modmount/pkg/modmount/mountops"
)

// Kind names a backing-store flavor.
type Kind string

const (
	// Tmpfs is the default in-memory store.
	Tmpfs Kind = "tmpfs"

	// Image is the ext4 loop-image fallback.
	Image Kind = "image"
)

// probeAttr is the xattr written to decide whether tmpfs can hold labels.
const probeAttr = "user.modmount.probe"

// Options configure a Manager.
type Options struct {
	// Ops performs the privileged operations.
	Ops mountops.Interface

	// BaseDir is the directory the staging store is mounted on.
	BaseDir string

	// ImagesDir holds ext4 backing images.
	ImagesDir string

	// MountSource is the source tag stamped on the staging mount.
	MountSource string

	// ForceImage skips the tmpfs probe and always uses the image store.
	ForceImage bool
}

// Manager owns the staging store for one daemon cycle.
type Manager struct {
	opts Options
	log  *logging.Logger

	kind     Kind
	prepared bool
	loopDev  string

	// mu serializes staging; overlay executors for different partitions
	// run concurrently and may stage the same module.
	mu     sync.Mutex
	staged map[string]string
}

// NewManager creates a manager. Prepare must be called before staging.
func NewManager(opts Options) *Manager {
	if opts.Ops == nil {
		opts.Ops = mountops.New()
	}
	return &Manager{
		opts:   opts,
		log:    logging.Get("storage"),
		staged: make(map[string]string),
	}
}

// Kind returns the active store flavor. Valid after Prepare.
func (m *Manager) Kind() Kind { return m.kind }

// Dir returns the staging root.
func (m *Manager) Dir() string { return m.opts.BaseDir }

// Prepare mounts the staging store. Tmpfs is used when it passes the
// xattr probe and ForceImage is off; otherwise an ext4 image is created
// under ImagesDir and loop-mounted.
func (m *Manager) Prepare(ctx context.Context) (Kind, error) {
	if m.prepared {
		return m.kind, nil
	}
	if err := os.MkdirAll(m.opts.BaseDir, 0o755); err != nil {
		return "", fmt.Errorf("creating staging dir: %w", err)
	}

	if !m.opts.ForceImage {
		if err := m.prepareTmpfs(); err == nil {
			m.kind = Tmpfs
			m.prepared = true
			m.log.Debug("staging store ready", "kind", Tmpfs, "dir", m.opts.BaseDir)
			return m.kind, nil
		} else if ctx.Err() != nil {
			return "", ctx.Err()
		} else {
			m.log.Warn("tmpfs staging unusable, falling back to image store", "error", err)
		}
	}

	if err := m.prepareImage(ctx); err != nil {
		return "", err
	}
	m.kind = Image
	m.prepared = true
	m.log.Debug("staging store ready", "kind", Image, "dir", m.opts.BaseDir)
	return m.kind, nil
}

// prepareTmpfs mounts tmpfs on the staging dir and verifies it holds
// xattrs. The probe failure unmounts before reporting.
func (m *Manager) prepareTmpfs() error {
	if err := m.opts.Ops.Mount(m.opts.MountSource, m.opts.BaseDir, "tmpfs", 0, "mode=0755"); err != nil {
		return fmt.Errorf("mounting tmpfs: %w", err)
	}

	probe := filepath.Join(m.opts.BaseDir, ".probe")
	if err := os.WriteFile(probe, nil, 0o644); err == nil {
		defer os.Remove(probe)
	}
	if err := m.opts.Ops.Setxattr(probe, probeAttr, []byte("1")); err != nil {
		_ = m.opts.Ops.Unmount(m.opts.BaseDir, 0)
		return fmt.Errorf("tmpfs xattr probe: %w", err)
	}
	return nil
}

// prepareImage ensures the shared staging image exists and loop-mounts it
// on the staging dir.
func (m *Manager) prepareImage(ctx context.Context) error {
	image := filepath.Join(m.opts.ImagesDir, "staging.img")
	if err := EnsureImage(ctx, image, DefaultImageSize); err != nil {
		return err
	}

	device, err := m.opts.Ops.LoopAttach(image)
	if err != nil {
		return fmt.Errorf("attaching staging image: %w", err)
	}
	if err := m.opts.Ops.Mount(device, m.opts.BaseDir, "ext4", 0, ""); err != nil {
		_ = m.opts.Ops.LoopDetach(device)
		return fmt.Errorf("mounting staging image: %w", err)
	}
	m.loopDev = device
	return nil
}

// Teardown unmounts the staging store. Staged content that backs live
// mounts must not be torn down; callers only do this on cycle failure.
func (m *Manager) Teardown() error {
	if !m.prepared {
		return nil
	}
	if err := m.opts.Ops.Unmount(m.opts.BaseDir, 0); err != nil {
		return fmt.Errorf("unmounting staging store: %w", err)
	}
	if m.loopDev != "" {
		if err := m.opts.Ops.LoopDetach(m.loopDev); err != nil {
			return err
		}
		m.loopDev = ""
	}
	m.prepared = false
	return nil
}

// Usage reports the staging store's occupancy.
type Usage struct {
	Kind    Kind    `json:"kind"`
	Size    uint64  `json:"size"`
	Used    uint64  `json:"used"`
	Percent float64 `json:"percent"`
}

// String renders the usage for log lines and CLI text output.
func (u Usage) String() string {
	return fmt.Sprintf("%s: %s of %s (%.1f%%)",
		u.Kind, humanize.IBytes(u.Used), humanize.IBytes(u.Size), u.Percent)
}

// Usage reports usage of the staging store's filesystem.
func (m *Manager) Usage() (Usage, error) {
	stats, err := m.opts.Ops.Statfs(m.opts.BaseDir)
	if err != nil {
		return Usage{}, fmt.Errorf("statfs %s: %w", m.opts.BaseDir, err)
	}
	u := Usage{Kind: m.kind, Size: stats.Size, Used: stats.Used()}
	if u.Size > 0 {
		u.Percent = float64(u.Used) / float64(u.Size) * 100
	}
	return u, nil
}
