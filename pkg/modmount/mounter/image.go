package mounter

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/kellerow/modmount/pkg/modmount/catalog"
	"github.com/kellerow/modmount/pkg/modmount/mountops"
	"github.com/kellerow/modmount/pkg/modmount/planner"
)

// MountImage applies a module out of its loop-mounted ext4 backing image.
// Content is synced into the image, then bound per file like a magic
// mount. The image survives reboots, so repeated cycles only rewrite
// changed content instead of re-staging into tmpfs.
func (e *Executor) MountImage(ctx context.Context, mp *planner.ModulePlan) Result {
	result := Result{Module: mp.Module.ID, Mode: mp.Mode}

	im, err := e.store.MountModuleImage(ctx, mp.Module.ID)
	if err != nil {
		result.State = planner.Failed
		result.Err = fmt.Errorf("%w: backing image: %v", ErrMountFailed, err)
		return result
	}

	if err := e.store.SyncModule(mp.Module, im.Dir); err != nil {
		_ = im.Close()
		result.State = planner.Failed
		result.Err = fmt.Errorf("%w: syncing into image: %v", ErrMountFailed, err)
		return result
	}

	attempted := 0
	for _, entry := range mp.Module.Files {
		target := entry.TargetPath()
		if skip(mp, target) {
			result.Skipped = append(result.Skipped, target)
			continue
		}

		switch entry.Kind {
		case catalog.KindDir:
			continue
		case catalog.KindWhiteout, catalog.KindOpaqueDir:
			result.Skipped = append(result.Skipped, target)
			continue
		}

		attempted++
		src := filepath.Join(im.Dir, entry.Partition, entry.RelPath)
		if err := e.mount(ctx, src, target, "", mountops.FlagBind, ""); err != nil {
			e.log.Warn("bind from image failed", "module", mp.Module.ID, "target", target, "error", err)
			result.PathErrors = append(result.PathErrors, PathError{Path: target, Err: err})
			continue
		}
		result.MountPoints = append(result.MountPoints, target)
	}

	if attempted > 0 && len(result.MountPoints) == 0 {
		_ = im.Close()
		result.State = planner.Failed
		result.Err = fmt.Errorf("%w: all %d bind(s) failed", ErrMountFailed, attempted)
		return result
	}

	// The image mount stays up: the binds reference content inside it.
	result.State = planner.Mounted
	e.log.Info("image mounted", "module", mp.Module.ID,
		"image", im.Path, "binds", len(result.MountPoints))
	return result
}
