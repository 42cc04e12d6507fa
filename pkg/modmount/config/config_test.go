package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kellerow/modmount/pkg/modmount/mode"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultModuleDir, cfg.ModuleDir)
	assert.Equal(t, mode.Overlay, cfg.Mode())
	assert.True(t, cfg.EnableImage)
}

func TestLoadParsesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
base_dir = "/tmp/mm"
module_dir = "/tmp/modules"
default_mode = "magic"
mount_retries = 5
extra_partitions = ["my_product", "/odm_dlkm/"]

[logging]
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/modules", cfg.ModuleDir)
	assert.Equal(t, mode.Magic, cfg.Mode())
	assert.Equal(t, 5, cfg.MountRetries)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Contains(t, cfg.Partitions(), "my_product")
	assert.Contains(t, cfg.Partitions(), "odm_dlkm")
}

func TestLoadMalformedFileFallsBackToDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("default_mode = [not toml"), 0o644))

	cfg, err := Load(path)
	require.ErrorIs(t, err, ErrParse)
	require.NotNil(t, cfg)
	assert.Equal(t, DefaultModuleDir, cfg.ModuleDir)
}

func TestLoadRejectsUnknownDefaultMode(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`default_mode = "hybrid"`), 0o644))

	cfg, err := Load(path)
	require.ErrorIs(t, err, ErrParse)
	assert.Equal(t, mode.Overlay, cfg.Mode())
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Defaults()
	cfg.DefaultMode = "magic"
	cfg.ExtraPartitions = []string{"my_product"}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.DefaultMode, loaded.DefaultMode)
	assert.Equal(t, cfg.ExtraPartitions, loaded.ExtraPartitions)

	// No temp file left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPartitionsIncludeBuiltins(t *testing.T) {
	t.Parallel()

	parts := Defaults().Partitions()
	for _, p := range BuiltinPartitions {
		assert.Contains(t, parts, p)
	}
	assert.Len(t, parts, len(BuiltinPartitions))
}

func TestOverridesRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "overrides.toml")

	o := &Overrides{}
	o.Set("mod-a", mode.Magic)
	o.Set("mod-b", mode.Image)
	require.NoError(t, SaveOverrides(path, o))

	loaded, err := LoadOverrides(path)
	require.NoError(t, err)

	m, ok := loaded.Get("mod-a")
	require.True(t, ok)
	assert.Equal(t, mode.Magic, m)
	assert.Equal(t, []string{"mod-a", "mod-b"}, loaded.IDs())
}

func TestLoadOverridesMissingFile(t *testing.T) {
	t.Parallel()

	o, err := LoadOverrides(filepath.Join(t.TempDir(), "overrides.toml"))
	require.NoError(t, err)
	assert.Empty(t, o.Modules)
}

func TestLoadOverridesKeepsValidEntries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "overrides.toml")
	content := `
[modules]
"mod-a" = "magic"
"mod-b" = "turbo"
"mod-c" = "auto"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	o, err := LoadOverrides(path)
	require.ErrorIs(t, err, ErrParse)

	m, ok := o.Get("mod-a")
	require.True(t, ok)
	assert.Equal(t, mode.Magic, m)

	// "auto" is the legacy alias for overlay.
	m, ok = o.Get("mod-c")
	require.True(t, ok)
	assert.Equal(t, mode.Overlay, m)

	_, ok = o.Get("mod-b")
	assert.False(t, ok)
}
