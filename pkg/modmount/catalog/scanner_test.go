package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kellerow/modmount/pkg/modmount/mountinfo"
)

var testPartitions = []string{"system", "vendor", "product", "system_ext", "odm", "oem", "apex"}

// writeModule creates a module directory with the given files, where each
// entry is a path relative to the module dir; paths ending in "/" become
// directories.
func writeModule(t *testing.T, root, id string, propContent string, paths ...string) string {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	if propContent != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, PropFile), []byte(propContent), 0o644))
	}
	for _, p := range paths {
		full := filepath.Join(dir, p)
		if strings.HasSuffix(p, "/") {
			require.NoError(t, os.MkdirAll(full, 0o755))
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte("x"), 0o644))
	}
	return dir
}

func TestScan(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	writeModule(t, root, "mod-a",
		"name=Module A\nversion=v1.0\nversionCode=10\nauthor=someone\ndescription=test module\n",
		"system/lib/libfoo.so", "system/etc/hosts", "vendor/bin/tool")
	writeModule(t, root, "mod-b", "", "system/lib/libbar.so")
	// No partition content at all.
	writeModule(t, root, "mod-empty", "name=Empty\n")

	cat, err := Scan(Options{ModuleDir: root, Partitions: testPartitions})
	require.NoError(t, err)
	require.Len(t, cat.Modules, 3)

	a, ok := cat.Get("mod-a")
	require.True(t, ok)
	assert.Equal(t, "Module A", a.Name)
	assert.Equal(t, "v1.0", a.Version)
	assert.Equal(t, []string{"system", "vendor"}, a.Partitions)
	assert.True(t, a.HasFiles())

	// Missing module.prop falls back to the directory name.
	b, ok := cat.Get("mod-b")
	require.True(t, ok)
	assert.Equal(t, "mod-b", b.Name)

	empty, ok := cat.Get("mod-empty")
	require.True(t, ok)
	assert.False(t, empty.HasFiles())

	// Scan order is sorted by id, which fixes overlay stacking priority.
	assert.Equal(t, []string{"mod-a", "mod-b", "mod-empty"}, cat.IDs())
}

func TestScanSkipsMarkedModules(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	writeModule(t, root, "mod-live", "", "system/app/x.apk")
	disabled := writeModule(t, root, "mod-disabled", "", "system/app/y.apk")
	require.NoError(t, os.WriteFile(filepath.Join(disabled, DisableFile), nil, 0o644))
	removed := writeModule(t, root, "mod-removed", "", "system/app/z.apk")
	require.NoError(t, os.WriteFile(filepath.Join(removed, RemoveFile), nil, 0o644))
	skipped := writeModule(t, root, "mod-skip", "", "system/app/w.apk")
	require.NoError(t, os.WriteFile(filepath.Join(skipped, SkipMountFile), nil, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "lost+found"), 0o755))

	cat, err := Scan(Options{ModuleDir: root, Partitions: testPartitions, SelfID: "modmount"})
	require.NoError(t, err)

	assert.Equal(t, []string{"mod-live"}, cat.IDs())
	assert.Equal(t, DisableFile, cat.Skipped["mod-disabled"])
	assert.Equal(t, RemoveFile, cat.Skipped["mod-removed"])
	assert.Equal(t, SkipMountFile, cat.Skipped["mod-skip"])
}

func TestScanMissingRootIsFatal(t *testing.T) {
	t.Parallel()

	_, err := Scan(Options{
		ModuleDir:  filepath.Join(t.TempDir(), "nope"),
		Partitions: testPartitions,
	})
	require.Error(t, err)
}

func TestScanOpaqueDir(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	writeModule(t, root, "mod-a", "",
		"system/priv-app/Stock/", "system/priv-app/Stock/"+ReplaceMarker)

	cat, err := Scan(Options{ModuleDir: root, Partitions: testPartitions})
	require.NoError(t, err)

	a, ok := cat.Get("mod-a")
	require.True(t, ok)

	var found bool
	for _, f := range a.Files {
		if f.RelPath == "priv-app/Stock" {
			found = true
			assert.Equal(t, KindOpaqueDir, f.Kind)
		}
		// The marker itself is not part of the declared tree.
		assert.NotContains(t, f.RelPath, ReplaceMarker)
	}
	assert.True(t, found, "opaque dir not present in declared tree")
}

func TestScanIsMountedFromHint(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	writeModule(t, root, "mod-a", "", "system/lib/libfoo.so")
	writeModule(t, root, "mod-b", "", "system/lib/libbar.so")

	table, err := mountinfo.Parse(strings.NewReader(
		"41 28 0:44 / /system rw,relatime shared:9 - overlay modmount rw\n"))
	require.NoError(t, err)

	cat, err := Scan(Options{
		ModuleDir:  root,
		Partitions: testPartitions,
		MountTable: table,
		MountedHint: map[string][]string{
			"mod-a": {"/system"},
			"mod-b": {"/vendor"},
		},
	})
	require.NoError(t, err)

	a, _ := cat.Get("mod-a")
	b, _ := cat.Get("mod-b")
	assert.True(t, a.IsMounted)
	assert.False(t, b.IsMounted)
}

func TestTargetPath(t *testing.T) {
	t.Parallel()

	e := FileEntry{Partition: "system", RelPath: "lib/libfoo.so"}
	assert.Equal(t, "/system/lib/libfoo.so", e.TargetPath())
}

func TestValidateID(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateID("mod-a"))
	for _, bad := range []string{"", ".", "..", "a/b", `a\b`} {
		assert.Error(t, ValidateID(bad), "id %q", bad)
	}
}
