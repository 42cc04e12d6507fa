// Package planner resolves one concrete mount strategy per module.
// Planning is pure: it never touches the mount table, so the same inputs
// can be re-planned for previews and always produce the same assignments.
package planner

import (
	"fmt"
	"sort"

	"github.com/kellerow/modmount/pkg/modmount/catalog"
	"github.com/kellerow/modmount/pkg/modmount/config"
	"github.com/kellerow/modmount/pkg/modmount/conflict"
	"github.com/kellerow/modmount/pkg/modmount/diag"
	"github.com/kellerow/modmount/pkg/modmount/logging"
	"github.com/kellerow/modmount/pkg/modmount/mode"
)

// State tracks a module through the mount cycle.
type State int

const (
	// Unmounted is the initial state of every module.
	Unmounted State = iota

	// PlanningOverlay through Ignored are the planner's outputs.
	PlanningOverlay
	PlanningMagic
	PlanningImage
	Ignored

	// Mounted and Failed are terminal; executors set them.
	Mounted
	Failed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Unmounted:
		return "unmounted"
	case PlanningOverlay:
		return "planning-overlay"
	case PlanningMagic:
		return "planning-magic"
	case PlanningImage:
		return "planning-image"
	case Ignored:
		return "ignored"
	case Mounted:
		return "mounted"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the state ends the module's cycle.
func (s State) Terminal() bool {
	return s == Ignored || s == Mounted || s == Failed
}

// planningState maps a resolved mode to its planning state.
func planningState(m mode.Mode) State {
	switch m {
	case mode.Magic:
		return PlanningMagic
	case mode.Image:
		return PlanningImage
	case mode.Ignore:
		return Ignored
	default:
		return PlanningOverlay
	}
}

// Capabilities are the device facts the planner consults.
type Capabilities struct {
	// Overlay reports whether the kernel supports overlayfs stacking.
	Overlay bool

	// Image reports whether loop/image-backed mounting is available.
	Image bool

	// TmpfsXattr reports whether tmpfs carries xattrs, which the staging
	// store needs for SELinux labels.
	TmpfsXattr bool
}

// ModulePlan is the planner's decision for one module.
type ModulePlan struct {
	Module *catalog.Module

	// Mode is the resolved strategy.
	Mode mode.Mode

	// State is the planning state the module enters.
	State State

	// Priority is the module's position in catalog order. Overlay layers
	// stack lowest priority first so later modules win visibility.
	Priority int

	// SkipPaths are target paths the module lost to conflicts; its
	// executor must not apply them.
	SkipPaths []string

	// Reason says in one line why this mode was chosen.
	Reason string
}

// Plan is the full resolution for one cycle.
type Plan struct {
	Modules []*ModulePlan

	// Partitions is the union of partitions touched by modules that will
	// actually mount, in sorted order.
	Partitions []string

	// Issues are diagnostics raised during planning (capability
	// fallbacks, conflict notes).
	Issues []diag.Issue
}

// Module returns the plan for a module id.
func (p *Plan) Module(id string) (*ModulePlan, bool) {
	for _, mp := range p.Modules {
		if mp.Module.ID == id {
			return mp, true
		}
	}
	return nil, false
}

// Active returns the plans that will mount something, in priority order.
func (p *Plan) Active() []*ModulePlan {
	out := make([]*ModulePlan, 0, len(p.Modules))
	for _, mp := range p.Modules {
		if mp.State != Ignored {
			out = append(out, mp)
		}
	}
	return out
}

// Resolve assigns one strategy to every module in the catalog.
//
// Resolution order per module:
//  1. an empty declared tree resolves to Ignored, override or not —
//     there is nothing to mount;
//  2. an explicit override wins, degraded only by missing capabilities
//     (image unavailable falls back to overlay with a diagnostic);
//  3. a module that lost any conflicted path falls back to magic, since a
//     stacked overlay cannot skip individual paths for a lower layer;
//  4. otherwise the global default applies.
//
// Overlay-incapable devices degrade overlay resolutions to magic.
func Resolve(cat *catalog.Catalog, overrides *config.Overrides, defaultMode mode.Mode, conflicts *conflict.Set, caps Capabilities) *Plan {
	log := logging.Get("planner")
	plan := &Plan{}

	for i, m := range cat.Modules {
		mp := &ModulePlan{
			Module:    m,
			Priority:  i,
			SkipPaths: conflicts.LostPaths(m.ID),
		}
		resolveModule(mp, overrides, defaultMode, conflicts, caps, plan)

		m.Mode = mp.Mode
		plan.Modules = append(plan.Modules, mp)
		log.Debug("module planned",
			"module", m.ID, "mode", mp.Mode.String(), "state", mp.State.String(), "reason", mp.Reason)
	}

	plan.Partitions = activePartitions(plan)

	for _, e := range conflicts.Entries() {
		for _, loser := range e.Losers() {
			plan.Issues = append(plan.Issues, diag.Infof(
				"path overridden by conflict winner %s", e.Winner).
				WithModule(loser).WithPath(e.Path))
		}
	}

	return plan
}

func resolveModule(mp *ModulePlan, overrides *config.Overrides, defaultMode mode.Mode, conflicts *conflict.Set, caps Capabilities, plan *Plan) {
	id := mp.Module.ID

	if !mp.Module.HasFiles() {
		mp.Mode = mode.Ignore
		mp.State = Ignored
		mp.Reason = "no declared files"
		return
	}

	if forced, ok := overrides.Get(id); ok {
		mp.Mode = degrade(forced, caps, id, plan)
		mp.State = planningState(mp.Mode)
		mp.Reason = fmt.Sprintf("override %s", forced)
		if mp.Mode == mode.Overlay && conflicts.HasLosses(id) {
			// An overlay layer cannot skip individual paths, so the lost
			// paths will shadow or be shadowed depending on stack order.
			plan.Issues = append(plan.Issues, diag.Warnf(
				"overlay override keeps %d conflicted path(s) in the layer", len(mp.SkipPaths)).
				WithModule(id))
		}
		return
	}

	if conflicts.HasLosses(id) {
		mp.Mode = mode.Magic
		mp.State = PlanningMagic
		mp.Reason = fmt.Sprintf("lost %d conflicted path(s)", len(mp.SkipPaths))
		return
	}

	mp.Mode = degrade(defaultMode, caps, id, plan)
	mp.State = planningState(mp.Mode)
	mp.Reason = fmt.Sprintf("default %s", defaultMode)
}

// degrade lowers a desired mode to what the device can actually do,
// recording a diagnostic for each step down.
func degrade(want mode.Mode, caps Capabilities, moduleID string, plan *Plan) mode.Mode {
	if want == mode.Image && !caps.Image {
		plan.Issues = append(plan.Issues, diag.Infof(
			"image-backed mounting unavailable on this device, falling back to overlay").
			WithModule(moduleID))
		want = mode.Overlay
	}
	if want == mode.Overlay && !caps.Overlay {
		plan.Issues = append(plan.Issues, diag.Infof(
			"overlayfs unavailable on this device, falling back to magic mount").
			WithModule(moduleID))
		want = mode.Magic
	}
	return want
}

func activePartitions(plan *Plan) []string {
	seen := make(map[string]bool)
	var parts []string
	for _, mp := range plan.Active() {
		for _, p := range mp.Module.Partitions {
			if !seen[p] {
				seen[p] = true
				parts = append(parts, p)
			}
		}
	}
	sort.Strings(parts)
	return parts
}
