package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kellerow/modmount/pkg/daemon"
)

var planJSON bool

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Preview the next cycle's mount plan",
	Long: `Run planning without mounting anything: scan modules, detect
conflicts, resolve a mode per module, and print the result. Nothing is
persisted and the mount journal is not touched, so this is safe to run
while the daemon's mounts are live.`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().BoolVar(&planJSON, "json", false, "emit the plan as JSON")
	rootCmd.AddCommand(planCmd)
}

// planEntry is the JSON shape for one planned module.
type planEntry struct {
	ID        string   `json:"id"`
	Mode      string   `json:"mode"`
	State     string   `json:"state"`
	Reason    string   `json:"reason,omitempty"`
	SkipPaths []string `json:"skip_paths,omitempty"`
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	svc := daemon.NewService(daemon.Options{Config: cfg, DisableJournal: true})
	plan, issues, err := svc.Preview()
	if err != nil {
		return err
	}

	if planJSON {
		entries := make([]planEntry, 0, len(plan.Modules))
		for _, mp := range plan.Modules {
			entries = append(entries, planEntry{
				ID:        mp.Module.ID,
				Mode:      mp.Mode.String(),
				State:     mp.State.String(),
				Reason:    mp.Reason,
				SkipPaths: mp.SkipPaths,
			})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Modules    []planEntry `json:"modules"`
			Partitions []string    `json:"partitions"`
			Issues     interface{} `json:"issues,omitempty"`
		}{entries, plan.Partitions, issues})
	}

	if len(plan.Modules) == 0 {
		fmt.Println("No modules to mount.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODULE\tMODE\tSTATE\tREASON")
	for _, mp := range plan.Modules {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", mp.Module.ID, mp.Mode, mp.State, mp.Reason)
		for _, p := range mp.SkipPaths {
			fmt.Fprintf(w, "\t\t\tskipping %s (lost conflict)\n", p)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(issues) > 0 {
		fmt.Println()
		for _, i := range issues {
			fmt.Printf("[%s] %s\n", i.Severity, i.Message)
		}
	}
	return nil
}
