package mounter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kellerow/modmount/pkg/modmount/mountinfo"
	"github.com/kellerow/modmount/pkg/modmount/mountops"
	"github.com/kellerow/modmount/pkg/modmount/planner"
)

// MountOverlay mounts one overlay over a partition root, stacking every
// layer module's staged tree above the stock content. Mount points that
// already existed under the partition root are re-covered from a stock
// bind afterwards, so an overlay over /system does not hide, say, a
// pre-existing apex mount.
//
// Layers must be in plan priority order; later layers win visibility.
func (e *Executor) MountOverlay(ctx context.Context, partition string, layers []*planner.ModulePlan, table *mountinfo.Table) []Result {
	root := "/" + partition
	results := make([]Result, 0, len(layers))

	var lowers []string
	var staged []*planner.ModulePlan
	for _, mp := range layers {
		dir, err := e.store.StageModule(mp.Module)
		if err != nil {
			results = append(results, Result{
				Module: mp.Module.ID,
				Mode:   mp.Mode,
				State:  planner.Failed,
				Err:    fmt.Errorf("%w: staging: %v", ErrMountFailed, err),
			})
			continue
		}
		lowers = append(lowers, filepath.Join(dir, partition))
		staged = append(staged, mp)
	}
	if len(staged) == 0 {
		return results
	}

	// overlayfs lists lowerdirs top first. Reverse the priority order so
	// the highest-priority module is leftmost, and put the stock root at
	// the bottom.
	lowerOpt := make([]string, 0, len(lowers)+1)
	for i := len(lowers) - 1; i >= 0; i-- {
		lowerOpt = append(lowerOpt, lowers[i])
	}
	lowerOpt = append(lowerOpt, root)

	// Under is sorted, so parents are re-covered before their nested mounts.
	children := table.Under(root)
	stockDir := ""
	if len(children) > 0 {
		var err error
		stockDir, err = e.bindStock(ctx, partition, root)
		if err != nil {
			e.log.Warn("cannot preserve child mounts", "partition", partition, "error", err)
			stockDir = ""
		}
	}

	upper, work, err := e.store.OverlayDirs(partition)
	if err != nil {
		e.log.Error("overlay mount failed", "partition", partition, "error", err)
		return failAll(results, staged, root, err)
	}

	data := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
		strings.Join(lowerOpt, ":"), upper, work)
	if err := e.mount(ctx, e.source, root, "overlay", 0, data); err != nil {
		e.log.Error("overlay mount failed", "partition", partition, "error", err)
		return failAll(results, staged, root, err)
	}
	e.log.Info("overlay mounted", "partition", partition, "layers", len(staged))

	if stockDir != "" {
		for _, child := range children {
			rel := strings.TrimPrefix(child, root)
			src := filepath.Join(stockDir, rel)
			if err := e.mount(ctx, src, child, "", mountops.FlagBind|mountops.FlagRec, ""); err != nil {
				e.log.Warn("child mount not re-covered", "mount", child, "error", err)
			}
		}
	}

	for _, mp := range staged {
		results = append(results, Result{
			Module:      mp.Module.ID,
			Mode:        mp.Mode,
			State:       planner.Mounted,
			MountPoints: []string{root},
		})
	}
	return results
}

// bindStock recursively binds the partition's pre-overlay view into the
// staging store, keeping the stock content reachable after the overlay
// covers the root.
func (e *Executor) bindStock(ctx context.Context, partition, root string) (string, error) {
	dir := filepath.Join(e.store.Dir(), "stock", partition)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := e.mount(ctx, root, dir, "", mountops.FlagBind|mountops.FlagRec, ""); err != nil {
		return "", err
	}
	return dir, nil
}

func failAll(results []Result, staged []*planner.ModulePlan, root string, err error) []Result {
	for _, mp := range staged {
		results = append(results, Result{
			Module:     mp.Module.ID,
			Mode:       mp.Mode,
			State:      planner.Failed,
			PathErrors: []PathError{{Path: root, Err: err}},
			Err:        fmt.Errorf("%w: overlay %s: %v", ErrMountFailed, root, err),
		})
	}
	return results
}
