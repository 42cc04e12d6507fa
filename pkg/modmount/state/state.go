// Package state persists the outcome of a mount cycle and reconciles it
// against the live mount table on the next start. The JSON snapshot is the
// single source of truth the status views read; they never re-derive the
// mount table themselves.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kellerow/modmount/pkg/modmount/mode"
	"github.com/kellerow/modmount/pkg/modmount/mountinfo"
)

// ModuleState is the persisted outcome for one module.
type ModuleState struct {
	ID string `json:"id"`

	// Mode is the strategy the planner resolved for the module.
	Mode mode.Mode `json:"mode"`

	// MountPoints are the concrete mounts created for the module.
	MountPoints []string `json:"mount_points,omitempty"`

	// Success is false when the module ended the cycle as Failed.
	Success bool `json:"success"`

	// Failure carries the failure summary when Success is false.
	Failure string `json:"failure,omitempty"`
}

// DaemonState is the snapshot written after every mount cycle.
type DaemonState struct {
	// CycleID uniquely identifies the cycle that produced this snapshot.
	CycleID string `json:"cycle_id"`

	// Timestamp is when the cycle completed.
	Timestamp time.Time `json:"timestamp"`

	// MountSource is the source tag the cycle stamped on its mounts.
	MountSource string `json:"mount_source"`

	// Partitions are the partition names the cycle covered.
	Partitions []string `json:"partitions"`

	// StorageMode records which backing store staged module content
	// ("tmpfs" or "image").
	StorageMode string `json:"storage_mode,omitempty"`

	// ImageDir is the image-mount base directory in use, if any.
	ImageDir string `json:"image_dir,omitempty"`

	// Modules holds the per-module outcomes, sorted by id.
	Modules []ModuleState `json:"modules"`
}

// New creates an empty snapshot for a fresh cycle.
func New(mountSource string) *DaemonState {
	return &DaemonState{
		CycleID:     uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		MountSource: mountSource,
	}
}

// SetModule records or replaces the outcome for a module.
func (s *DaemonState) SetModule(ms ModuleState) {
	for i := range s.Modules {
		if s.Modules[i].ID == ms.ID {
			s.Modules[i] = ms
			return
		}
	}
	s.Modules = append(s.Modules, ms)
	sort.Slice(s.Modules, func(i, j int) bool { return s.Modules[i].ID < s.Modules[j].ID })
}

// Module returns the recorded outcome for a module id.
func (s *DaemonState) Module(id string) (ModuleState, bool) {
	for _, ms := range s.Modules {
		if ms.ID == id {
			return ms, true
		}
	}
	return ModuleState{}, false
}

// MountedHint returns module id -> recorded mount points, the shape the
// catalog consumes to set is_mounted.
func (s *DaemonState) MountedHint() map[string][]string {
	if s == nil {
		return nil
	}
	hint := make(map[string][]string, len(s.Modules))
	for _, ms := range s.Modules {
		if len(ms.MountPoints) > 0 {
			hint[ms.ID] = ms.MountPoints
		}
	}
	return hint
}

// Load reads a snapshot from path. A missing file returns (nil, nil):
// readers must treat absence as "no state yet", not an error, because
// writers replace the file by rename and a reader can land in the window.
func Load(path string) (*DaemonState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading state: %w", err)
	}

	var s DaemonState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing state %s: %w", path, err)
	}
	return &s, nil
}

// Save writes the snapshot atomically (temp file + rename).
func (s *DaemonState) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("writing temp state: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming state: %w", err)
	}
	return nil
}

// ReconcileResult describes the differences between a loaded snapshot and
// the live mount table.
type ReconcileResult struct {
	// Corrected lists recorded mount points that are no longer live. The
	// snapshot is updated in place; no mount action is needed for these.
	Corrected []string

	// Orphans lists live mounts carrying our source tag that no module in
	// the snapshot accounts for. They are left over from a crashed cycle
	// and must be unmounted before re-planning, or overlays stack up
	// across repeated boot attempts.
	Orphans []string
}

// Reconcile diffs the snapshot against the live table. Recorded-but-gone
// mounts are dropped from the snapshot; live-but-unrecorded mounts with our
// source tag are returned as orphans. A nil snapshot reconciles to every
// tagged mount being an orphan.
func Reconcile(s *DaemonState, table *mountinfo.Table, sourceTag string) ReconcileResult {
	var result ReconcileResult

	recorded := make(map[string]bool)
	if s != nil {
		for i := range s.Modules {
			ms := &s.Modules[i]
			kept := ms.MountPoints[:0]
			for _, point := range ms.MountPoints {
				if table.HasMount(point) {
					recorded[point] = true
					kept = append(kept, point)
				} else {
					result.Corrected = append(result.Corrected, point)
				}
			}
			ms.MountPoints = kept
		}
	}

	for _, point := range table.BySource(sourceTag) {
		if !recorded[point] {
			result.Orphans = append(result.Orphans, point)
		}
	}

	sort.Strings(result.Corrected)
	sort.Strings(result.Orphans)
	return result
}

// Clean reports whether reconciliation required no corrections and found
// no orphans.
func (r ReconcileResult) Clean() bool {
	return len(r.Corrected) == 0 && len(r.Orphans) == 0
}
