package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/concord-relay/concord/internal/config"
	"github.com/concord-relay/concord/internal/registry"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader(cmd.OutOrStdout(), "🏷️ Concord Version")
		fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and relay state",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		printHeader(out, "📊 Concord Status")
		fmt.Fprintf(out, "Version:  %s\n", version)

		if path, err := config.ConfigPath(); err == nil {
			if _, err := os.Stat(path); err == nil {
				fmt.Fprintln(out, "Config:   ✓ Found ("+path+")")
			} else {
				fmt.Fprintln(out, "Config:   ✗ Not found (run 'concord config init' first)")
			}
		}

		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		if rt.cfg.Discord.Token != "" {
			fmt.Fprintln(out, "Token:    ✓ Found")
		} else {
			fmt.Fprintln(out, "Token:    ✗ Not found")
		}
		regs, err := rt.registries.Query(cmd.Context(), registry.Filter{Registered: true})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Database: %s\n", rt.dbPath)
		fmt.Fprintf(out, "Groups:   %d\n", len(rt.groups.List()))
		fmt.Fprintf(out, "Channels: %d registered\n", len(regs))
		return nil
	},
}
