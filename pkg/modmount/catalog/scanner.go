package catalog

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"

	"github.com/kellerow/modmount/pkg/modmount/logging"
	"github.com/kellerow/modmount/pkg/modmount/mountinfo"
)

// Options configures a catalog scan.
type Options struct {
	// ModuleDir is the module root directory.
	ModuleDir string

	// Partitions are the partition names modules may declare files under:
	// the built-in set plus configured extras plus live-discovered ones.
	Partitions []string

	// SelfID is the daemon's own module id, excluded from the scan.
	SelfID string

	// MountTable is the live mount table, used together with MountedHint
	// to set IsMounted on each module.
	MountTable *mountinfo.Table

	// MountedHint maps module id to the mount points the last persisted
	// state recorded for it. A module is considered mounted when at least
	// one of its recorded points is still live.
	MountedHint map[string][]string
}

// alwaysSkipped are directory names that are never modules.
var alwaysSkipped = map[string]bool{
	"lost+found": true,
}

// Scan enumerates the module root directory and builds a catalog. Only a
// completely unreadable module root is a hard error; per-module failures
// are collected as issues and the scan continues.
func Scan(opts Options) (*Catalog, error) {
	log := logging.Get("catalog")

	entries, err := os.ReadDir(opts.ModuleDir)
	if err != nil {
		return nil, fmt.Errorf("reading module root %s: %w", opts.ModuleDir, err)
	}

	cat := &Catalog{Skipped: make(map[string]string)}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, id := range names {
		if alwaysSkipped[id] || id == opts.SelfID {
			continue
		}
		dir := filepath.Join(opts.ModuleDir, id)

		if reason := skipReason(dir); reason != "" {
			cat.Skipped[id] = reason
			log.Debug("module skipped", "module", id, "reason", reason)
			continue
		}

		module, err := scanModule(id, dir, opts.Partitions)
		if err != nil {
			log.Warn("module scan failed", "module", id, "error", err)
			cat.Issues = append(cat.Issues, ScanIssue{ModuleID: id, Path: dir, Err: err})
			continue
		}

		module.IsMounted = isMounted(id, opts)
		cat.Modules = append(cat.Modules, module)
	}

	log.Info("catalog scan complete",
		"modules", len(cat.Modules), "skipped", len(cat.Skipped), "issues", len(cat.Issues))
	return cat, nil
}

// skipReason returns the marker file excluding a module, or "".
func skipReason(dir string) string {
	for _, marker := range []string{DisableFile, RemoveFile, SkipMountFile} {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return marker
		}
	}
	return ""
}

// scanModule reads one module's metadata and walks its declared tree.
func scanModule(id, dir string, partitions []string) (*Module, error) {
	p, err := readProps(filepath.Join(dir, PropFile))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", PropFile, err)
	}

	m := &Module{
		ID:          id,
		Dir:         dir,
		Name:        p.get("name", id),
		Version:     p.get("version", ""),
		VersionCode: p.get("versionCode", ""),
		Author:      p.get("author", ""),
		Description: p.get("description", ""),
	}

	for _, part := range partitions {
		partDir := filepath.Join(dir, part)
		info, err := os.Stat(partDir)
		if err != nil || !info.IsDir() {
			continue
		}
		files, err := walkPartition(partDir, part)
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", partDir, err)
		}
		if len(files) > 0 {
			m.Files = append(m.Files, files...)
			m.Partitions = append(m.Partitions, part)
		}
	}
	sort.Strings(m.Partitions)
	return m, nil
}

// walkPartition collects the declared entries under one partition subtree.
func walkPartition(root, partition string) ([]FileEntry, error) {
	var (
		mu      sync.Mutex
		files   []FileEntry
		walkErr error
	)

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			mu.Lock()
			walkErr = err
			mu.Unlock()
			return fastwalk.SkipDir
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}

		name := d.Name()
		if name == ReplaceMarker {
			// Marker upgrades its parent directory to opaque.
			mu.Lock()
			parent := filepath.Dir(rel)
			for i := range files {
				if files[i].RelPath == parent && files[i].Kind == KindDir {
					files[i].Kind = KindOpaqueDir
				}
			}
			mu.Unlock()
			return nil
		}

		kind := KindFile
		switch {
		case d.IsDir():
			kind = KindDir
		case isWhiteout(d):
			kind = KindWhiteout
		}

		mu.Lock()
		files = append(files, FileEntry{Partition: partition, RelPath: rel, Kind: kind})
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if walkErr != nil {
		return nil, walkErr
	}

	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

// isMounted checks the state hint for the module against the live table.
func isMounted(id string, opts Options) bool {
	if opts.MountTable == nil {
		return false
	}
	for _, point := range opts.MountedHint[id] {
		if opts.MountTable.HasMount(point) {
			return true
		}
	}
	return false
}

// ValidateID rejects module ids that could escape the module root.
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." ||
		strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("invalid module id %q", id)
	}
	return nil
}
