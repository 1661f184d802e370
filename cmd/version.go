package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Set via ldflags at build time.
var (
	Version = "dev"
	Commit  string
	Date    string
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of crystalyse-audit",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "crystalyse-audit %s\n", Version)
		if Commit != "" {
			fmt.Fprintf(out, "Commit: %s\n", Commit)
		}
		if Date != "" {
			fmt.Fprintf(out, "Build Date: %s\n", Date)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
