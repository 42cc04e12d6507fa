package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kellerow/modmount/pkg/modmount/mode"
	"github.com/kellerow/modmount/pkg/modmount/mountinfo"
)

func mustTable(t *testing.T, lines string) *mountinfo.Table {
	t.Helper()
	table, err := mountinfo.Parse(strings.NewReader(lines))
	require.NoError(t, err)
	return table
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")

	s := New("modmount")
	s.Partitions = []string{"system", "vendor"}
	s.StorageMode = "tmpfs"
	s.SetModule(ModuleState{
		ID:          "mod-a",
		Mode:        mode.Overlay,
		MountPoints: []string{"/system"},
		Success:     true,
	})
	s.SetModule(ModuleState{
		ID:      "mod-b",
		Mode:    mode.Magic,
		Success: false,
		Failure: "bind failed",
	})
	require.NoError(t, s.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, s.CycleID, loaded.CycleID)
	assert.Equal(t, s.Partitions, loaded.Partitions)

	a, ok := loaded.Module("mod-a")
	require.True(t, ok)
	assert.Equal(t, mode.Overlay, a.Mode)
	assert.Equal(t, []string{"/system"}, a.MountPoints)
	assert.True(t, a.Success)

	b, ok := loaded.Module("mod-b")
	require.True(t, ok)
	assert.False(t, b.Success)
	assert.Equal(t, "bind failed", b.Failure)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	t.Parallel()

	s, err := Load(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestLoadCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestReconcileNoChanges(t *testing.T) {
	t.Parallel()

	table := mustTable(t,
		"41 28 0:44 / /system rw shared:9 - overlay modmount rw\n"+
			"42 28 0:45 / /vendor rw shared:10 - overlay modmount rw\n")

	s := New("modmount")
	s.SetModule(ModuleState{ID: "mod-a", Mode: mode.Overlay,
		MountPoints: []string{"/system", "/vendor"}, Success: true})

	r := Reconcile(s, table, "modmount")
	assert.True(t, r.Clean())
}

func TestReconcileRecordedButGone(t *testing.T) {
	t.Parallel()

	// State claims mod-a is mounted at /system; the live table disagrees.
	// The snapshot is corrected with no action, no fatal error.
	table := mustTable(t, "23 28 0:4 / /proc rw shared:13 - proc proc rw\n")

	s := New("modmount")
	s.SetModule(ModuleState{ID: "mod-a", Mode: mode.Overlay,
		MountPoints: []string{"/system"}, Success: true})

	r := Reconcile(s, table, "modmount")
	assert.Equal(t, []string{"/system"}, r.Corrected)
	assert.Empty(t, r.Orphans)

	a, ok := s.Module("mod-a")
	require.True(t, ok)
	assert.Empty(t, a.MountPoints)
	assert.Empty(t, s.MountedHint())
}

func TestReconcileOrphans(t *testing.T) {
	t.Parallel()

	table := mustTable(t,
		"41 28 0:44 / /system rw shared:9 - overlay modmount rw\n"+
			"42 28 0:45 / /vendor rw shared:10 - overlay modmount rw\n"+
			"43 28 0:46 / /product ro shared:11 - erofs /dev/block/dm-2 ro\n")

	s := New("modmount")
	s.SetModule(ModuleState{ID: "mod-a", Mode: mode.Overlay,
		MountPoints: []string{"/system"}, Success: true})

	r := Reconcile(s, table, "modmount")
	assert.Empty(t, r.Corrected)
	// /vendor carries our tag but nothing accounts for it; /product is a
	// stock mount and stays untouched.
	assert.Equal(t, []string{"/vendor"}, r.Orphans)
}

func TestReconcileNilStateTreatsAllTaggedAsOrphans(t *testing.T) {
	t.Parallel()

	table := mustTable(t,
		"41 28 0:44 / /system rw shared:9 - overlay modmount rw\n")

	r := Reconcile(nil, table, "modmount")
	assert.Equal(t, []string{"/system"}, r.Orphans)
}

func TestRoundTripReconcilesClean(t *testing.T) {
	t.Parallel()

	// Persist, reload, reconcile against an unchanged table: zero
	// corrective actions.
	path := filepath.Join(t.TempDir(), "state.json")
	table := mustTable(t,
		"41 28 0:44 / /system rw shared:9 - overlay modmount rw\n")

	s := New("modmount")
	s.SetModule(ModuleState{ID: "mod-a", Mode: mode.Overlay,
		MountPoints: []string{"/system"}, Success: true})
	require.NoError(t, s.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	r := Reconcile(loaded, table, "modmount")
	assert.True(t, r.Clean())

	a, _ := loaded.Module("mod-a")
	orig, _ := s.Module("mod-a")
	assert.Equal(t, orig, a)
}
