package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kellerow/modmount/pkg/modmount/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage daemon configuration",
	Long: `Manage the daemon's configuration file.

The config lives at <base-dir>/config.toml. Environment variables with the
MODMOUNT_ prefix override file values, e.g. MODMOUNT_DEFAULT_MODE=magic.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	Long:  `Display the configuration the daemon would run with, all sources merged.`,
	RunE:  runConfigShow,
}

var configGenCmd = &cobra.Command{
	Use:   "gen",
	Short: "Write a config file with current values",
	Long: `Write the effective configuration to the config file, creating it if
missing. Useful for getting a template to edit.`,
	RunE: runConfigGen,
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset configuration to defaults",
	Long:  `Overwrite the config file with the built-in defaults.`,
	RunE:  runConfigReset,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGenCmd)
	configCmd.AddCommand(configResetCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	path := cfg.ConfigPath()
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config file: %s\n\n", path)
	} else {
		fmt.Println("Config file: (using defaults, no file found)")
		fmt.Println()
	}

	fmt.Printf("base_dir:          %s\n", cfg.BaseDir)
	fmt.Printf("module_dir:        %s\n", cfg.ModuleDir)
	fmt.Printf("default_mode:      %s\n", cfg.DefaultMode)
	fmt.Printf("mount_source:      %s\n", cfg.MountSource)
	fmt.Printf("extra_partitions:  %v\n", cfg.ExtraPartitions)
	fmt.Printf("enable_image:      %t\n", cfg.EnableImage)
	fmt.Printf("force_image_store: %t\n", cfg.ForceImageStore)
	fmt.Printf("mount_retries:     %d\n", cfg.MountRetries)
	fmt.Printf("notify_hook:       %s\n", cfg.NotifyHook)
	fmt.Printf("logging.level:     %s\n", cfg.Logging.Level)

	fmt.Println("\nEnvironment overrides:")
	any := false
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "MODMOUNT_") {
			fmt.Println(env)
			any = true
		}
	}
	if !any {
		fmt.Println("(none)")
	}
	return nil
}

func runConfigGen(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if err := cfg.Save(cfg.ConfigPath()); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", cfg.ConfigPath())
	return nil
}

func runConfigReset(cmd *cobra.Command, args []string) error {
	dir := baseDir()
	cfg := config.Defaults()
	cfg.BaseDir = dir
	if err := cfg.Save(cfg.ConfigPath()); err != nil {
		return err
	}
	fmt.Printf("Reset %s to defaults\n", cfg.ConfigPath())
	return nil
}
