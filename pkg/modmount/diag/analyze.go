package diag

import (
	"github.com/kellerow/modmount/pkg/modmount/catalog"
	"github.com/kellerow/modmount/pkg/modmount/mountinfo"
	"github.com/kellerow/modmount/pkg/modmount/state"
)

// Analyze cross-checks the persisted state against the live mount table
// and the current catalog, returning sorted issues. It never mutates its
// inputs; callers rerun it whenever a fresh view is needed.
func Analyze(cat *catalog.Catalog, st *state.DaemonState, table *mountinfo.Table, partitions []string, sourceTag string) []Issue {
	var issues []Issue

	for _, p := range partitions {
		if !table.HasMount("/" + p) {
			issues = append(issues, Infof("partition not present on this device").
				WithPartition(p))
		}
	}

	recorded := make(map[string]string)
	if st != nil {
		for _, ms := range st.Modules {
			for _, point := range ms.MountPoints {
				recorded[point] = ms.ID
				if ms.Success && !table.HasMount(point) {
					issues = append(issues, Errorf("recorded mount is not live").
						WithModule(ms.ID).WithPath(point))
				}
			}
			if !ms.Success && ms.Failure != "" {
				issues = append(issues, Errorf("module failed to mount: %s", ms.Failure).
					WithModule(ms.ID))
			}
		}
	}

	for _, point := range table.BySource(sourceTag) {
		if _, ok := recorded[point]; !ok {
			issues = append(issues, Warnf("stale mount not accounted for by any module").
				WithPath(point))
		}
	}

	if cat != nil {
		for _, si := range cat.Issues {
			issues = append(issues, Warnf("module could not be scanned: %v", si.Err).
				WithModule(si.ModuleID))
		}
		for id, reason := range cat.Skipped {
			issues = append(issues, Infof("module excluded: %s", reason).
				WithModule(id))
		}
	}

	Sort(issues)
	return issues
}
