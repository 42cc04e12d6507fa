// Package config provides configuration management for the modmount daemon.
package config

// Default configuration values for modmount.
const (
	// DefaultBaseDir is where the daemon keeps its own files: config,
	// overrides, state snapshot, journal, backing images and log.
	DefaultBaseDir = "/data/adb/modmount"

	// DefaultModuleDir is the module root directory scanned by the catalog.
	DefaultModuleDir = "/data/adb/modules"

	// DefaultMountSource is the source tag stamped on every mount the
	// daemon creates, so the live mount table can be filtered back to
	// mounts we own.
	DefaultMountSource = "modmount"

	// DefaultMode is the mount strategy applied when no override exists.
	DefaultMode = "overlay"

	// DefaultMountRetries is how many times a transiently failing mount
	// syscall is retried before it is a hard failure.
	DefaultMountRetries = 3

	// ConfigFileName is the global configuration file name under BaseDir.
	ConfigFileName = "config.toml"

	// OverridesFileName is the per-module mode override file under BaseDir.
	OverridesFileName = "overrides.toml"

	// StateFileName is the daemon state snapshot under BaseDir.
	StateFileName = "state.json"

	// ImagesDirName is the directory under BaseDir holding one backing
	// image per module using image mode.
	ImagesDirName = "images"

	// JournalDirName is the directory under BaseDir holding the mount
	// operation journal.
	JournalDirName = "journal"
)

// BuiltinPartitions are the standard Android system partitions eligible for
// module mounting. Extra partitions can be added by config or discovered
// from the live mount table.
var BuiltinPartitions = []string{
	"system", "vendor", "product", "system_ext", "odm", "oem", "apex",
}
