package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kellerow/modmount/pkg/daemon"
	"github.com/kellerow/modmount/pkg/modmount/catalog"
	"github.com/kellerow/modmount/pkg/modmount/diag"
	"github.com/kellerow/modmount/pkg/modmount/mountinfo"
	"github.com/kellerow/modmount/pkg/modmount/state"
)

var diagnoseJSON bool

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Cross-check recorded state against live mounts",
	Long: `Compare the last cycle's state snapshot against the live mount table
and the current module catalog, and report anything inconsistent:
recorded mounts that are gone, tagged mounts nothing accounts for,
modules that failed, modules that could not be scanned.`,
	RunE: runDiagnose,
}

func init() {
	diagnoseCmd.Flags().BoolVar(&diagnoseJSON, "json", false, "emit issues as JSON")
	rootCmd.AddCommand(diagnoseCmd)
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	table, err := mountinfo.Load()
	if err != nil {
		table, _ = mountinfo.Parse(strings.NewReader(""))
	}

	st, err := state.Load(cfg.StatePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: state unreadable: %v\n", err)
	}

	cat, err := catalog.Scan(catalog.Options{
		ModuleDir:   cfg.ModuleDir,
		Partitions:  cfg.Partitions(),
		SelfID:      daemon.SelfID,
		MountTable:  table,
		MountedHint: st.MountedHint(),
	})
	if err != nil {
		cat = nil
	}

	issues := diag.Analyze(cat, st, table, cfg.Partitions(), cfg.MountSource)

	if diagnoseJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(issues)
	}

	if len(issues) == 0 {
		fmt.Println("No issues found.")
		return nil
	}
	for _, i := range issues {
		line := fmt.Sprintf("[%s] %s", i.Severity, i.Message)
		if i.Module != "" {
			line += fmt.Sprintf(" (module: %s)", i.Module)
		}
		if i.Partition != "" {
			line += fmt.Sprintf(" (partition: %s)", i.Partition)
		}
		if i.Path != "" {
			line += fmt.Sprintf(" (path: %s)", i.Path)
		}
		fmt.Println(line)
	}
	fmt.Printf("\n%d issue(s), %d error(s)\n", len(issues), diag.Count(issues, diag.Error))
	return nil
}
