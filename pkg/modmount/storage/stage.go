package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kellerow/modmount/pkg/modmount/catalog"
)

// opaqueAttr marks a staged directory as replacing the stock one.
const opaqueAttr = "trusted.overlay.opaque"

// whiteoutMode is the mode bits for an overlay whiteout node (char dev 0:0).
const whiteoutMode = 0o20000

// StageModule copies a module's partition trees into the staging store and
// returns the staged root. A module is staged at most once per cycle:
// overlay executors for its partitions all receive the same staged tree,
// and concurrent callers are serialized.
func (m *Manager) StageModule(mod *catalog.Module) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.prepared {
		return "", fmt.Errorf("staging store not prepared")
	}
	if root, ok := m.staged[mod.ID]; ok {
		return root, nil
	}

	root := filepath.Join(m.opts.BaseDir, "modules", mod.ID)
	if err := m.SyncModule(mod, root); err != nil {
		return "", err
	}
	m.staged[mod.ID] = root
	m.log.Debug("module staged", "module", mod.ID, "dir", root, "files", len(mod.Files))
	return root, nil
}

// SyncModule copies a module's partition trees under root. Whiteouts are
// recreated as 0:0 character devices; opaque directories get the overlay
// marker attribute.
func (m *Manager) SyncModule(mod *catalog.Module, root string) error {
	for _, entry := range mod.Files {
		src := filepath.Join(mod.Dir, entry.Partition, entry.RelPath)
		dst := filepath.Join(root, entry.Partition, entry.RelPath)

		switch entry.Kind {
		case catalog.KindDir:
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return fmt.Errorf("staging %s: %w", dst, err)
			}
		case catalog.KindOpaqueDir:
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return fmt.Errorf("staging %s: %w", dst, err)
			}
			if err := m.opts.Ops.Setxattr(dst, opaqueAttr, []byte("y")); err != nil {
				return fmt.Errorf("marking %s opaque: %w", dst, err)
			}
		case catalog.KindWhiteout:
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return fmt.Errorf("staging %s: %w", dst, err)
			}
			// Re-syncing into a persistent image finds the node from the
			// previous boot; mknod cannot overwrite it.
			_ = os.Remove(dst)
			if err := m.opts.Ops.Mknod(dst, whiteoutMode, 0); err != nil {
				return fmt.Errorf("staging whiteout %s: %w", dst, err)
			}
		default:
			if err := copyFile(src, dst); err != nil {
				return fmt.Errorf("staging %s: %w", dst, err)
			}
		}
	}
	return nil
}

// OverlayDirs creates and returns the upper/work directory pair for a
// partition's overlay mount. Both must live on the same filesystem, which
// the shared staging store guarantees.
func (m *Manager) OverlayDirs(partition string) (upper, work string, err error) {
	if !m.prepared {
		return "", "", fmt.Errorf("staging store not prepared")
	}

	base := filepath.Join(m.opts.BaseDir, "overlay", partition)
	upper = filepath.Join(base, "upper")
	work = filepath.Join(base, "work")
	for _, dir := range []string{upper, work} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", "", fmt.Errorf("creating overlay dir %s: %w", dir, err)
		}
	}
	return upper, work, nil
}

func copyFile(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		_ = os.Remove(dst)
		return os.Symlink(target, dst)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
