package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kellerow/modmount/pkg/modmount/config"
	"github.com/kellerow/modmount/pkg/modmount/diag"
	"github.com/kellerow/modmount/pkg/modmount/journal"
	"github.com/kellerow/modmount/pkg/modmount/mode"
	"github.com/kellerow/modmount/pkg/modmount/mountinfo"
	"github.com/kellerow/modmount/pkg/modmount/mountops"
	"github.com/kellerow/modmount/pkg/modmount/planner"
	"github.com/kellerow/modmount/pkg/modmount/state"
)

type harness struct {
	cfg  *config.Config
	fake *mountops.Fake
	svc  *Service
}

func newHarness(t *testing.T, tableLines string) *harness {
	t.Helper()

	base := t.TempDir()
	cfg := config.Defaults()
	cfg.BaseDir = filepath.Join(base, "modmount")
	cfg.ModuleDir = filepath.Join(base, "modules")
	cfg.MountRetries = 1
	require.NoError(t, os.MkdirAll(cfg.ModuleDir, 0o755))
	require.NoError(t, cfg.EnsureBaseDir())

	fake := mountops.NewFake()
	caps := planner.Capabilities{Overlay: true, Image: true, TmpfsXattr: true}

	svc := NewService(Options{
		Config: cfg,
		Ops:    fake,
		LoadTable: func() (*mountinfo.Table, error) {
			return mountinfo.Parse(strings.NewReader(tableLines))
		},
		Caps: &caps,
	})
	return &harness{cfg: cfg, fake: fake, svc: svc}
}

// installModule writes a minimal module under the module root. Paths are
// partition-relative with the partition as the first element.
func (h *harness) installModule(t *testing.T, id string, paths ...string) {
	t.Helper()

	dir := filepath.Join(h.cfg.ModuleDir, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	prop := "id=" + id + "\nname=" + id + "\nversion=1.0\nversionCode=1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "module.prop"), []byte(prop), 0o644))
	for _, p := range paths {
		full := filepath.Join(dir, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(id), 0o644))
	}
}

const stockTable = "40 28 0:43 / /system ro shared:8 - erofs /dev/block/dm-0 ro\n"

func TestRunCycleMountsModules(t *testing.T) {
	h := newHarness(t, stockTable)
	h.installModule(t, "mod-a", "system/lib/liba.so")
	h.installModule(t, "mod-b", "system/lib/libb.so")

	report, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Failed())
	require.Len(t, report.Results, 2)
	for _, r := range report.Results {
		assert.Equal(t, planner.Mounted, r.State)
		assert.Equal(t, []string{"/system"}, r.MountPoints)
		assert.Equal(t, mode.Overlay, r.Mode)
	}

	// One overlay over /system carrying both layers.
	overlays := 0
	for _, c := range h.fake.Mounts {
		if c.FSType == "overlay" {
			overlays++
			assert.Equal(t, "/system", c.Target)
		}
	}
	assert.Equal(t, 1, overlays)

	// The snapshot was persisted and loads clean.
	st, err := state.Load(h.cfg.StatePath())
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, report.CycleID, st.CycleID)
	a, ok := st.Module("mod-a")
	require.True(t, ok)
	assert.True(t, a.Success)
}

func TestRunCycleEmptyModuleRoot(t *testing.T) {
	h := newHarness(t, stockTable)

	report, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Results)
	assert.Zero(t, report.Failed())
}

func TestRunCycleUnreadableModuleRootIsFatal(t *testing.T) {
	h := newHarness(t, stockTable)
	require.NoError(t, os.RemoveAll(h.cfg.ModuleDir))

	_, err := h.svc.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrNoPlan)
}

func TestRunCycleClearsOrphans(t *testing.T) {
	table := stockTable +
		"41 28 0:44 / /vendor rw shared:9 - overlay modmount rw\n"
	h := newHarness(t, table)

	report, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/vendor"}, report.OrphansCleared)
	assert.Contains(t, h.fake.Unmounts, "/vendor")
}

func TestRunCycleClearsJournaledBindOrphans(t *testing.T) {
	// Bind mounts do not carry the source tag, so a crashed cycle's binds
	// are only discoverable through the journal.
	table := stockTable +
		"42 28 0:45 / /system/lib/libx.so rw shared:10 - tmpfs tmpfs rw\n"
	h := newHarness(t, table)

	j, err := journal.Open(h.cfg.JournalDir())
	require.NoError(t, err)
	require.NoError(t, j.Applied("dead-cycle", "mod-x", "/system/lib/libx.so"))
	require.NoError(t, j.Close())

	report, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/system/lib/libx.so"}, report.OrphansCleared)
	assert.Contains(t, h.fake.Unmounts, "/system/lib/libx.so")
}

func TestRunCycleConflictLoserFallsBackToMagic(t *testing.T) {
	h := newHarness(t, stockTable)
	h.installModule(t, "mod-a", "system/lib/libfoo.so")
	h.installModule(t, "mod-b", "system/lib/libfoo.so", "system/etc/b.conf")

	report, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Failed())

	pa, ok := report.Plan.Module("mod-a")
	require.True(t, ok)
	assert.Equal(t, mode.Overlay, pa.Mode)

	pb, ok := report.Plan.Module("mod-b")
	require.True(t, ok)
	assert.Equal(t, mode.Magic, pb.Mode)
	assert.Equal(t, []string{"/system/lib/libfoo.so"}, pb.SkipPaths)

	for _, r := range report.Results {
		if r.Module == "mod-b" {
			assert.Equal(t, []string{"/system/etc/b.conf"}, r.MountPoints)
			assert.Equal(t, []string{"/system/lib/libfoo.so"}, r.Skipped)
		}
	}
}

func TestRunCycleModuleFailureDoesNotFailCycle(t *testing.T) {
	h := newHarness(t, stockTable)
	h.installModule(t, "mod-a", "system/lib/liba.so")
	h.fake.MountErr = map[string]error{"/system": errors.New("overlay rejected")}

	report, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed())

	st, err := state.Load(h.cfg.StatePath())
	require.NoError(t, err)
	a, ok := st.Module("mod-a")
	require.True(t, ok)
	assert.False(t, a.Success)
	assert.NotEmpty(t, a.Failure)
}

func TestRunCyclePartialOverlayFailureMarksModuleFailed(t *testing.T) {
	// A module spanning two partitions where only one overlay applies must
	// not report clean success: the failed partition has to show up in the
	// result, the snapshot and the diagnostics.
	table := stockTable +
		"41 28 0:44 / /vendor ro shared:9 - erofs /dev/block/dm-1 ro\n"
	h := newHarness(t, table)
	h.installModule(t, "mod-a", "system/lib/liba.so", "vendor/etc/a.conf")
	h.fake.MountErr = map[string]error{"/vendor": errors.New("overlay rejected")}

	report, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed())

	require.Len(t, report.Results, 1)
	r := report.Results[0]
	assert.Equal(t, planner.Failed, r.State)
	assert.Equal(t, []string{"/system"}, r.MountPoints)
	require.Error(t, r.Err)
	assert.Contains(t, r.Err.Error(), "/vendor")
	require.Len(t, r.PathErrors, 1)
	assert.Equal(t, "/vendor", r.PathErrors[0].Path)

	st, err := state.Load(h.cfg.StatePath())
	require.NoError(t, err)
	ms, ok := st.Module("mod-a")
	require.True(t, ok)
	assert.False(t, ms.Success)
	assert.Contains(t, ms.Failure, "/vendor")
	assert.Equal(t, 1, diag.Count(report.Issues, diag.Error))
}

func TestRunCycleRecordsIgnoredModules(t *testing.T) {
	h := newHarness(t, stockTable)
	h.installModule(t, "mod-a", "system/lib/liba.so")
	h.installModule(t, "mod-empty")

	report, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)

	st, err := state.Load(h.cfg.StatePath())
	require.NoError(t, err)
	ms, ok := st.Module("mod-empty")
	require.True(t, ok)
	assert.Equal(t, mode.Ignore, ms.Mode)
	assert.True(t, ms.Success)
	assert.Empty(t, ms.MountPoints)
}

func TestRunCycleHonorsOverrides(t *testing.T) {
	h := newHarness(t, stockTable)
	h.installModule(t, "mod-a", "system/lib/liba.so")

	ov := &config.Overrides{}
	ov.Set("mod-a", mode.Magic)
	require.NoError(t, config.SaveOverrides(h.cfg.OverridesPath(), ov))

	report, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, mode.Magic, report.Results[0].Mode)
	assert.Equal(t, []string{"/system/lib/liba.so"}, report.Results[0].MountPoints)
}

func TestRunCycleSkipsDisabledModules(t *testing.T) {
	h := newHarness(t, stockTable)
	h.installModule(t, "mod-a", "system/lib/liba.so")
	h.installModule(t, "mod-off", "system/lib/liboff.so")
	require.NoError(t, os.WriteFile(
		filepath.Join(h.cfg.ModuleDir, "mod-off", "disable"), nil, 0o644))

	report, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "mod-a", report.Results[0].Module)
}

func TestRunCycleRunsNotifyHook(t *testing.T) {
	h := newHarness(t, stockTable)
	marker := filepath.Join(t.TempDir(), "notified")
	h.cfg.NotifyHook = "touch " + marker

	_, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, marker)
}

func TestPreviewDoesNotMountOrPersist(t *testing.T) {
	h := newHarness(t, stockTable)
	h.installModule(t, "mod-a", "system/lib/liba.so")

	plan, _, err := h.svc.Preview()
	require.NoError(t, err)
	mp, ok := plan.Module("mod-a")
	require.True(t, ok)
	assert.Equal(t, planner.PlanningOverlay, mp.State)

	assert.Empty(t, h.fake.Mounts)
	st, err := state.Load(h.cfg.StatePath())
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestRepeatedCyclesStayClean(t *testing.T) {
	h := newHarness(t, stockTable)
	h.installModule(t, "mod-a", "system/lib/liba.so")

	first, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, first.Failed())

	// The table still lacks our overlay (the fake does not feed back into
	// mountinfo), so the recorded mount is corrected, not orphaned.
	second, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Failed())
	assert.Empty(t, second.OrphansCleared)
	assert.NotEqual(t, first.CycleID, second.CycleID)
}
