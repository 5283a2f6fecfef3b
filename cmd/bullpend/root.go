// Package main is bullpend, the sandbox orchestration service daemon and
// its operational subcommands.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/bullpen/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "bullpend",
	Short:   "Bullpen - sandbox orchestration service",
	Version: version.String(),
	Long: `Bullpend orchestrates ephemeral development sandboxes across the Morph
microVM cloud and self-hosted Proxmox LXC.

It serves the HTTP API that workers and the web app call to start, snapshot,
wake, and tear down sandboxes, and owns the environment registry backing
them.`,
}

// Execute runs the root command and returns an exit code.
// The caller (main) should call os.Exit with this code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		// Errors already printed by cobra
		return 1
	}
	return 0
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("bullpend", version.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
