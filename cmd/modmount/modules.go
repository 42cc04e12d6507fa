package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kellerow/modmount/pkg/daemon"
	"github.com/kellerow/modmount/pkg/modmount/catalog"
	"github.com/kellerow/modmount/pkg/modmount/mountinfo"
	"github.com/kellerow/modmount/pkg/modmount/state"
)

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List installed modules as JSON",
	Long: `Scan the module root and print the installed modules as JSON,
sorted by display name. Mount status comes from the last cycle's state
cross-checked against the live mount table.`,
	RunE: runModules,
}

func init() {
	rootCmd.AddCommand(modulesCmd)
}

// moduleInfo is the JSON shape for one module.
type moduleInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	VersionCode string `json:"version_code,omitempty"`
	Author      string `json:"author,omitempty"`
	Description string `json:"description,omitempty"`
	IsMounted   bool   `json:"is_mounted"`
	Mode        string `json:"mode,omitempty"`
}

func runModules(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	table, err := mountinfo.Load()
	if err != nil {
		// Off-device there is no /proc/self/mountinfo worth reading.
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
		return err
	}

	infos := make([]moduleInfo, 0, len(cat.Modules))
	for _, m := range cat.Modules {
		info := moduleInfo{
			ID:          m.ID,
			Name:        m.Name,
			Version:     m.Version,
			VersionCode: m.VersionCode,
			Author:      m.Author,
			Description: m.Description,
			IsMounted:   m.IsMounted,
		}
		if st != nil {
			if ms, ok := st.Module(m.ID); ok {
				info.Mode = ms.Mode.String()
			}
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].ID < infos[j].ID
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(infos)
}
