// Package catalog enumerates installed modules and the file trees they
// declare against the mountable partitions. A catalog is rebuilt from disk
// on every scan; module ids are the only identity that survives reboots.
package catalog

import (
	"sort"

	"github.com/kellerow/modmount/pkg/modmount/mode"
)

// Marker files inside a module directory that exclude it from mounting.
const (
	DisableFile   = "disable"
	RemoveFile    = "remove"
	SkipMountFile = "skip_mount"
)

// PropFile is the module metadata file name.
const PropFile = "module.prop"

// ReplaceMarker inside a module directory marks the directory as opaque:
// it replaces the stock directory instead of merging into it.
const ReplaceMarker = ".replace"

// FileKind classifies an entry in a module's declared tree.
type FileKind int

const (
	// KindFile is a regular file or symlink replacing the stock path.
	KindFile FileKind = iota

	// KindDir is a directory that merges with the stock directory.
	KindDir

	// KindWhiteout is a 0:0 char device declaring deletion of the stock path.
	KindWhiteout

	// KindOpaqueDir is a directory that fully replaces the stock directory.
	KindOpaqueDir
)

// FileEntry is one path a module declares under a partition.
type FileEntry struct {
	// Partition is the partition name (system, vendor, ...).
	Partition string

	// RelPath is the path relative to the partition root.
	RelPath string

	// Kind classifies the entry.
	Kind FileKind
}

// Module is one installed module as seen by a catalog scan.
type Module struct {
	// ID is the module directory name, unique and stable across reboots.
	ID string

	// Dir is the absolute module directory.
	Dir string

	Name        string
	Version     string
	VersionCode string
	Author      string
	Description string

	// Files is the declared tree across all partitions, in walk order.
	Files []FileEntry

	// Partitions are the partition names the module touches, sorted.
	Partitions []string

	// IsMounted reflects the live mount table at scan time.
	IsMounted bool

	// Mode is the resolved mount strategy. Set by the planner, not the
	// catalog; zero value until planning runs.
	Mode mode.Mode
}

// TargetPath returns the absolute target path for a file entry.
func (e FileEntry) TargetPath() string {
	return "/" + e.Partition + "/" + e.RelPath
}

// HasFiles reports whether the module declares anything to mount.
func (m *Module) HasFiles() bool {
	return len(m.Files) > 0
}

// TouchesPartition reports whether the module declares files under the
// given partition.
func (m *Module) TouchesPartition(partition string) bool {
	for _, p := range m.Partitions {
		if p == partition {
			return true
		}
	}
	return false
}

// Catalog is the result of one scan.
type Catalog struct {
	// Modules in scan order. Scan order is sorted by id, so overlay
	// stacking priority is stable across runs.
	Modules []*Module

	// Skipped maps module ids to the reason they were excluded
	// (disable/remove/skip_mount markers).
	Skipped map[string]string

	// Issues are per-module scan failures. A malformed module lands here
	// instead of failing the scan.
	Issues []ScanIssue
}

// ScanIssue records a module directory that could not be scanned.
type ScanIssue struct {
	ModuleID string
	Path     string
	Err      error
}

// Get returns the module with the given id.
func (c *Catalog) Get(id string) (*Module, bool) {
	for _, m := range c.Modules {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

// IDs returns the module ids in catalog order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.Modules))
	for _, m := range c.Modules {
		ids = append(ids, m.ID)
	}
	return ids
}

// PartitionsTouched returns every partition any module declares files
// under, sorted.
func (c *Catalog) PartitionsTouched() []string {
	seen := make(map[string]bool)
	var parts []string
	for _, m := range c.Modules {
		for _, p := range m.Partitions {
			if !seen[p] {
				seen[p] = true
				parts = append(parts, p)
			}
		}
	}
	sort.Strings(parts)
	return parts
}
