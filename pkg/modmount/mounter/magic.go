package mounter

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/kellerow/modmount/pkg/modmount/catalog"
	"github.com/kellerow/modmount/pkg/modmount/mountops"
	"github.com/kellerow/modmount/pkg/modmount/planner"
)

// MountMagic applies a module with per-file bind mounts out of its staged
// tree. Each path fails independently: a bind the kernel rejects records a
// path error and the rest of the module still mounts. Paths the module
// lost to conflicts are skipped outright.
func (e *Executor) MountMagic(ctx context.Context, mp *planner.ModulePlan) Result {
	result := Result{Module: mp.Module.ID, Mode: mp.Mode}

	staged, err := e.store.StageModule(mp.Module)
	if err != nil {
		result.State = planner.Failed
		result.Err = fmt.Errorf("%w: staging: %v", ErrMountFailed, err)
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
			// Directories merge implicitly through their contents.
			continue
		case catalog.KindWhiteout, catalog.KindOpaqueDir:
			// Bind mounts cannot delete or replace stock paths.
			result.Skipped = append(result.Skipped, target)
			continue
		}

		attempted++
		src := filepath.Join(staged, entry.Partition, entry.RelPath)
		if err := e.mount(ctx, src, target, "", mountops.FlagBind, ""); err != nil {
			e.log.Warn("bind failed", "module", mp.Module.ID, "target", target, "error", err)
			result.PathErrors = append(result.PathErrors, PathError{Path: target, Err: err})
			continue
		}
		result.MountPoints = append(result.MountPoints, target)
	}

	if attempted > 0 && len(result.MountPoints) == 0 {
		result.State = planner.Failed
		result.Err = fmt.Errorf("%w: all %d bind(s) failed", ErrMountFailed, attempted)
		return result
	}

	result.State = planner.Mounted
	e.log.Info("magic mounted", "module", mp.Module.ID,
		"binds", len(result.MountPoints), "skipped", len(result.Skipped), "failed", len(result.PathErrors))
	return result
}
