// Package conflict computes path collisions between modules and resolves a
// deterministic winner per contested path.
//
// Only leaf entries conflict: two modules both declaring the directory
// system/lib merge naturally, but two modules both shipping
// system/lib/libfoo.so contend for the same target. Winners are chosen by a
// documented total order so repeated runs on the same catalog resolve
// identically: a single compatibly-overridden contender wins outright,
// otherwise the lexicographically smallest module id does. The tie-break is
// a policy choice, not an inherited behavior; any stable total order would
// satisfy the same contract.
package conflict

import (
	"sort"

	"github.com/kellerow/modmount/pkg/modmount/catalog"
	"github.com/kellerow/modmount/pkg/modmount/config"
	"github.com/kellerow/modmount/pkg/modmount/mode"
)

// Entry is one contested target path. Invariants: Claimants has at least
// two module ids, Winner is one of them, and a given path appears in at
// most one Entry.
type Entry struct {
	// Path is the absolute target path, e.g. /system/lib/libfoo.so.
	Path string `json:"path"`

	// Claimants are the ids of every module declaring this path, sorted.
	Claimants []string `json:"claimants"`

	// Winner is the module whose file is applied at this path.
	Winner string `json:"winner"`
}

// Losers returns the overridden claimants: every claimant except the
// winner. Losing a path does not exclude a module from mounting; only this
// path is skipped for it.
func (e *Entry) Losers() []string {
	losers := make([]string, 0, len(e.Claimants)-1)
	for _, id := range e.Claimants {
		if id != e.Winner {
			losers = append(losers, id)
		}
	}
	return losers
}

// Set is the conflict analysis for one catalog.
type Set struct {
	entries map[string]*Entry

	// lostByModule maps module id to the target paths it lost.
	lostByModule map[string][]string
}

// Detect builds the conflict set for a catalog. Overrides participate in
// winner selection: when exactly one contender is explicitly overridden to
// a mode that actually mounts files, it wins the path.
func Detect(cat *catalog.Catalog, overrides *config.Overrides) *Set {
	claims := make(map[string][]string)
	for _, m := range cat.Modules {
		for _, f := range m.Files {
			if f.Kind == catalog.KindDir {
				continue
			}
			path := f.TargetPath()
			claims[path] = append(claims[path], m.ID)
		}
	}

	s := &Set{
		entries:      make(map[string]*Entry),
		lostByModule: make(map[string][]string),
	}

	for path, ids := range claims {
		if len(ids) < 2 {
			continue
		}
		sort.Strings(ids)
		entry := &Entry{
			Path:      path,
			Claimants: ids,
			Winner:    pickWinner(ids, overrides),
		}
		s.entries[path] = entry
		for _, id := range entry.Losers() {
			s.lostByModule[id] = append(s.lostByModule[id], path)
		}
	}

	for _, paths := range s.lostByModule {
		sort.Strings(paths)
	}
	return s
}

// pickWinner applies the tie-break. ids must be sorted.
func pickWinner(ids []string, overrides *config.Overrides) string {
	var overridden []string
	for _, id := range ids {
		if m, ok := overrides.Get(id); ok && m != mode.Ignore {
			overridden = append(overridden, id)
		}
	}
	if len(overridden) == 1 {
		return overridden[0]
	}
	// Either nobody or several contenders are overridden; fall through to
	// the lexicographic order. ids[0] is smallest because ids is sorted.
	return ids[0]
}

// Entries returns all conflict entries sorted by path.
func (s *Set) Entries() []*Entry {
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Lookup returns the conflict entry for a target path.
func (s *Set) Lookup(path string) (*Entry, bool) {
	e, ok := s.entries[path]
	return e, ok
}

// LostPaths returns the target paths the module lost, sorted. The module's
// executor skips exactly these paths.
func (s *Set) LostPaths(moduleID string) []string {
	return s.lostByModule[moduleID]
}

// HasLosses reports whether the module lost any contested path. Losing
// makes whole-tree overlay stacking incoherent for the module, so the
// planner falls it back to per-file application.
func (s *Set) HasLosses(moduleID string) bool {
	return len(s.lostByModule[moduleID]) > 0
}

// Len returns the number of contested paths.
func (s *Set) Len() int {
	return len(s.entries)
}
