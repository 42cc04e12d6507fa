// Package mountinfo reads the live kernel mount table from
// /proc/self/mountinfo. The table is the ground truth the planner,
// diagnostics and crash recovery reconcile against.
package mountinfo

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Path is the mountinfo source. Overridable in tests.
var Path = "/proc/self/mountinfo"

// Entry is a single line of the mount table.
type Entry struct {
	// MountPoint is the absolute path the mount is attached at.
	MountPoint string

	// Root is the root of the mount within its filesystem.
	Root string

	// FSType is the filesystem type (overlay, ext4, tmpfs, ...).
	FSType string

	// Source is the mount source field. Mounts the daemon creates carry
	// its configured source tag here.
	Source string

	// Options are the per-mount options.
	Options string
}

// Table is a snapshot of the live mount table.
type Table struct {
	entries []Entry
	byPoint map[string]int
}

// Load reads the current mount table.
func Load() (*Table, error) {
	f, err := os.Open(Path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", Path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a mount table in /proc/pid/mountinfo format.
func Parse(r io.Reader) (*Table, error) {
	t := &Table{byPoint: make(map[string]int)}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		entry, ok := parseLine(line)
		if !ok {
			continue
		}
		t.byPoint[entry.MountPoint] = len(t.entries)
		t.entries = append(t.entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading mountinfo: %w", err)
	}
	return t, nil
}

// parseLine splits one mountinfo line. Format:
//
//	36 35 98:0 /mnt1 /mnt2 rw,noatime master:1 - ext3 /dev/root rw,errors=continue
//
// with a variable number of optional fields before the " - " separator.
func parseLine(line string) (Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 7 {
		return Entry{}, false
	}

	sep := -1
	for i := 6; i < len(fields); i++ {
		if fields[i] == "-" {
			sep = i
			break
		}
	}
	if sep < 0 || sep+2 >= len(fields) {
		return Entry{}, false
	}

	return Entry{
		Root:       unescape(fields[3]),
		MountPoint: unescape(fields[4]),
		Options:    fields[5],
		FSType:     fields[sep+1],
		Source:     unescape(fields[sep+2]),
	}, true
}

// unescape decodes the octal escapes mountinfo uses for spaces and tabs.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	replacer := strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)
	return replacer.Replace(s)
}

// Entries returns all table entries in mount order.
func (t *Table) Entries() []Entry {
	return t.entries
}

// Lookup returns the entry mounted exactly at point.
func (t *Table) Lookup(point string) (Entry, bool) {
	i, ok := t.byPoint[point]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}

// HasMount reports whether anything is mounted exactly at point.
func (t *Table) HasMount(point string) bool {
	_, ok := t.byPoint[point]
	return ok
}

// Under returns the mount points strictly below root, sorted. These are the
// child mounts an overlay of root must re-cover.
func (t *Table) Under(root string) []string {
	root = strings.TrimSuffix(root, "/")
	prefix := root + "/"
	seen := make(map[string]bool)
	var points []string
	for _, e := range t.entries {
		if strings.HasPrefix(e.MountPoint, prefix) && !seen[e.MountPoint] {
			seen[e.MountPoint] = true
			points = append(points, e.MountPoint)
		}
	}
	sort.Strings(points)
	return points
}

// BySource returns the mount points whose source matches tag, in mount
// order. This recovers every mount a prior daemon run created.
func (t *Table) BySource(tag string) []string {
	var points []string
	for _, e := range t.entries {
		if e.Source == tag {
			points = append(points, e.MountPoint)
		}
	}
	return points
}

// partitionFSTypes are filesystems a read-only system partition plausibly
// uses. Anything else at the root level is not a mountable partition.
var partitionFSTypes = map[string]bool{
	"ext4":     true,
	"erofs":    true,
	"f2fs":     true,
	"squashfs": true,
}

// nonPartitions are root-level mount points that are never module targets.
var nonPartitions = map[string]bool{
	"/":        true,
	"/data":    true,
	"/cache":   true,
	"/mnt":     true,
	"/storage": true,
	"/metadata": true,
}

// DiscoverPartitions returns root-level partition names present in the
// table beyond the given built-in set, sorted. A name is a candidate when
// it is a single path component mounted with a partition filesystem.
func (t *Table) DiscoverPartitions(builtin []string) []string {
	known := make(map[string]bool, len(builtin))
	for _, p := range builtin {
		known[p] = true
	}

	seen := make(map[string]bool)
	var extras []string
	for _, e := range t.entries {
		mp := e.MountPoint
		if nonPartitions[mp] || !partitionFSTypes[e.FSType] {
			continue
		}
		name := strings.TrimPrefix(mp, "/")
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		// Module directories never carry whitespace; a mount point that does
		// (legal in mountinfo via octal escapes) is not a partition.
		if strings.ContainsAny(name, " \t") {
			continue
		}
		if known[name] || seen[name] {
			continue
		}
		seen[name] = true
		extras = append(extras, name)
	}
	sort.Strings(extras)
	return extras
}
