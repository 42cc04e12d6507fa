package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/kellerow/modmount/pkg/modmount/mode"
)

// ErrParse indicates the config file existed but could not be parsed.
// Loaders fall back to defaults and surface this as a diagnostic; it never
// aborts a mount cycle on its own.
var ErrParse = errors.New("config parse failure")

// LoggingConfig configures the daemon log.
type LoggingConfig struct {
	Level      string            `mapstructure:"level" toml:"level"`
	Path       string            `mapstructure:"path" toml:"path"`
	Components map[string]string `mapstructure:"components" toml:"components,omitempty"`
}

// Config is the global daemon configuration. The daemon treats a loaded
// Config as read-only for the duration of a cycle; only the UI or a reset
// writes it back.
type Config struct {
	// BaseDir holds the daemon's own files (state, overrides, images, log).
	BaseDir string `mapstructure:"base_dir" toml:"base_dir"`

	// ModuleDir is the module root directory to scan.
	ModuleDir string `mapstructure:"module_dir" toml:"module_dir"`

	// DefaultMode is the strategy applied to modules with no override.
	DefaultMode string `mapstructure:"default_mode" toml:"default_mode"`

	// MountSource tags every mount the daemon creates.
	MountSource string `mapstructure:"mount_source" toml:"mount_source"`

	// TempDir stages magic-mount trees. Empty selects one automatically.
	TempDir string `mapstructure:"temp_dir" toml:"temp_dir"`

	// ExtraPartitions extends the built-in partition set.
	ExtraPartitions []string `mapstructure:"extra_partitions" toml:"extra_partitions,omitempty"`

	// EnableImage advertises loop/image-backed mounting as available.
	// Cleared when the device lacks loop support.
	EnableImage bool `mapstructure:"enable_image" toml:"enable_image"`

	// ForceImageStore skips the tmpfs staging probe and goes straight to
	// the ext4 backing image.
	ForceImageStore bool `mapstructure:"force_image_store" toml:"force_image_store"`

	// MountRetries bounds retries of transiently failing mount syscalls.
	MountRetries int `mapstructure:"mount_retries" toml:"mount_retries"`

	// NotifyHook is an optional command executed after a completed cycle
	// to tell the root-management framework that mounting is done.
	NotifyHook string `mapstructure:"notify_hook" toml:"notify_hook,omitempty"`

	Logging LoggingConfig `mapstructure:"logging" toml:"logging"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		BaseDir:      DefaultBaseDir,
		ModuleDir:    DefaultModuleDir,
		DefaultMode:  DefaultMode,
		MountSource:  DefaultMountSource,
		EnableImage:  true,
		MountRetries: DefaultMountRetries,
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the global configuration from path. A missing file is not an
// error: defaults apply. A malformed file also yields defaults, but the
// returned error wraps ErrParse so the caller can emit a diagnostic.
// Environment variables prefixed MODMOUNT_ override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetEnvPrefix("MODMOUNT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return unmarshal(v)
		}
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return unmarshal(v)
		}
		return Defaults(), fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return Defaults(), err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Defaults()
	v.SetDefault("base_dir", def.BaseDir)
	v.SetDefault("module_dir", def.ModuleDir)
	v.SetDefault("default_mode", def.DefaultMode)
	v.SetDefault("mount_source", def.MountSource)
	v.SetDefault("enable_image", def.EnableImage)
	v.SetDefault("force_image_store", def.ForceImageStore)
	v.SetDefault("mount_retries", def.MountRetries)
	v.SetDefault("logging.level", def.Logging.Level)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Defaults(), fmt.Errorf("%w: %v", ErrParse, err)
	}
	if err := cfg.Validate(); err != nil {
		return Defaults(), err
	}
	return &cfg, nil
}

// Validate checks field values that have a closed vocabulary.
func (c *Config) Validate() error {
	if _, err := mode.Parse(c.DefaultMode); err != nil {
		return fmt.Errorf("%w: default_mode: %v", ErrParse, err)
	}
	if c.MountRetries < 0 {
		return fmt.Errorf("%w: mount_retries must be >= 0", ErrParse)
	}
	return nil
}

// Save writes the configuration to path atomically (temp file + rename) so
// a concurrent reader never observes a half-written file.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.toml")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(c); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming config: %w", err)
	}
	return nil
}

// ResetToDefaults overwrites the config file at path with the built-in
// defaults and returns them.
func ResetToDefaults(path string) (*Config, error) {
	cfg := Defaults()
	if err := cfg.Save(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Mode returns the parsed default mount mode. Validate guarantees this
// cannot fail after a successful Load.
func (c *Config) Mode() mode.Mode {
	m, err := mode.Parse(c.DefaultMode)
	if err != nil {
		return mode.Overlay
	}
	return m
}

// ConfigPath returns the global config file path under the base dir.
func (c *Config) ConfigPath() string { return filepath.Join(c.BaseDir, ConfigFileName) }

// OverridesPath returns the override file path under the base dir.
func (c *Config) OverridesPath() string { return filepath.Join(c.BaseDir, OverridesFileName) }

// StatePath returns the daemon state snapshot path under the base dir.
func (c *Config) StatePath() string { return filepath.Join(c.BaseDir, StateFileName) }

// ImagesDir returns the backing image directory under the base dir.
func (c *Config) ImagesDir() string { return filepath.Join(c.BaseDir, ImagesDirName) }

// JournalDir returns the mount journal directory under the base dir.
func (c *Config) JournalDir() string { return filepath.Join(c.BaseDir, JournalDirName) }

// Partitions returns the built-in partitions plus any configured extras,
// deduplicated, order preserved.
func (c *Config) Partitions() []string {
	seen := make(map[string]bool, len(BuiltinPartitions)+len(c.ExtraPartitions))
	out := make([]string, 0, len(BuiltinPartitions)+len(c.ExtraPartitions))
	for _, p := range BuiltinPartitions {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range c.ExtraPartitions {
		p = strings.Trim(strings.TrimSpace(p), "/")
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// DefaultBasePath returns the base directory to use when none is given:
// the device path when it exists, otherwise an XDG data dir so the CLI is
// usable during development off-device.
func DefaultBasePath() string {
	if info, err := os.Stat(filepath.Dir(DefaultBaseDir)); err == nil && info.IsDir() {
		return DefaultBaseDir
	}
	return filepath.Join(xdg.DataHome, "modmount")
}

// EnsureBaseDir creates the base directory tree the daemon needs.
func (c *Config) EnsureBaseDir() error {
	for _, dir := range []string{c.BaseDir, c.ImagesDir(), c.JournalDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
