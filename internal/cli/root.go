package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/concord-relay/concord/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"   ___                              _\n" +
		"  / __|___ _ _  __ ___ _ _ __| |\n" +
		" | (__/ _ \\ ' \\/ _/ _ \\ '_/ _` |\n" +
		"  \\___\\___/_||_\\__\\___/_| \\__,_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "concord",
	Short: "Concord - cross-server chat relay",
	Long:  color.CyanString(logo) + "\nLinks channels across Discord servers into groups and mirrors their messages through webhooks.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(groupCmd)
	rootCmd.AddCommand(channelCmd)
}
