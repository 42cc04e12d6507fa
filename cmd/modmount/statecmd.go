package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kellerow/modmount/pkg/modmount/state"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the last cycle's outcome",
	Long: `Print the state snapshot written at the end of the last mount cycle
as JSON. This is the daemon's own record; it is not re-checked against
the live mount table (use "diagnose" for that).`,
	RunE: runState,
}

func init() {
	rootCmd.AddCommand(stateCmd)
}

func runState(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	st, err := state.Load(cfg.StatePath())
	if err != nil {
		return err
	}
	if st == nil {
		fmt.Fprintln(os.Stderr, "no state recorded; the daemon has not completed a cycle")
		return nil
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}
