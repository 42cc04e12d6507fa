package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kellerow/modmount/pkg/modmount/mountops"
	"github.com/kellerow/modmount/pkg/modmount/state"
	"github.com/kellerow/modmount/pkg/modmount/storage"
)

var storageJSON bool

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Show backing-store usage",
	Long: `Report occupancy of the staging store the daemon mounted for the
current boot. The store flavor (tmpfs or image) comes from the last
cycle's state; the numbers come from the live filesystem.`,
	RunE: runStorage,
}

func init() {
	storageCmd.Flags().BoolVar(&storageJSON, "json", true, "emit usage as JSON")
	rootCmd.AddCommand(storageCmd)
}

func runStorage(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	stagingDir := cfg.TempDir
	if stagingDir == "" {
		stagingDir = filepath.Join(cfg.BaseDir, "staging")
	}

	kind := storage.Tmpfs
	st, err := state.Load(cfg.StatePath())
	if err == nil && st != nil && st.StorageMode != "" {
		kind = storage.Kind(st.StorageMode)
	}

	stats, err := mountops.New().Statfs(stagingDir)
	if err != nil {
		return fmt.Errorf("statfs %s: %w", stagingDir, err)
	}

	u := storage.Usage{Kind: kind, Size: stats.Size, Used: stats.Used()}
	if u.Size > 0 {
		u.Percent = float64(u.Used) / float64(u.Size) * 100
	}

	if storageJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(u)
	}
	fmt.Println(u.String())
	return nil
}
