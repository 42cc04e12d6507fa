package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kellerow/modmount/pkg/modmount/config"
	"github.com/kellerow/modmount/pkg/modmount/logging"
)

var rootCmd = &cobra.Command{
	Use:   "modmount",
	Short: "Inspect and configure module mounting",
	Long: `modmount is the operator CLI for the module-mount daemon.

The daemon (modmountd) mounts module content over the system partitions at
boot. This CLI inspects what it did, previews what it would do, and edits
the configuration it reads.

Examples:
  modmount modules           # List installed modules as JSON
  modmount plan              # Preview the next cycle's mount plan
  modmount state             # Show the last cycle's outcome
  modmount diagnose          # Cross-check state against live mounts
  modmount config show       # Show effective configuration
  modmount storage           # Backing-store usage`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initEnv)

	rootCmd.PersistentFlags().String("base-dir", "", "daemon base directory (default: device path or XDG data dir)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug output to stderr")

	_ = viper.BindPFlag("base_dir", rootCmd.PersistentFlags().Lookup("base-dir"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initEnv() {
	viper.SetEnvPrefix("MODMOUNT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	level := "error"
	if viper.GetBool("verbose") {
		level = "debug"
	}
	_ = logging.Init(logging.Config{
		Level:        "error",
		Path:         filepath.Join(os.TempDir(), "modmount-cli.log"),
		ConsoleLevel: level,
	})
}

// baseDir resolves the base directory from flag, env or default.
func baseDir() string {
	if dir := viper.GetString("base_dir"); dir != "" {
		return dir
	}
	return config.DefaultBasePath()
}

// loadConfig loads the effective configuration. Parse failures fall back
// to defaults with a warning, matching the daemon's behavior.
func loadConfig() *config.Config {
	dir := baseDir()
	cfg, err := config.Load(filepath.Join(dir, config.ConfigFileName))
	cfg.BaseDir = dir
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	return cfg
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}
