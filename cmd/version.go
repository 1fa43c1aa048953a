// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X grimm.is/flowguard/cmd.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "flowguard %s (commit %s", Version, Commit)
		if BuildDate != "" {
			fmt.Fprintf(cmd.OutOrStdout(), ", built %s", BuildDate)
		}
		fmt.Fprintf(cmd.OutOrStdout(), ", %s %s/%s)\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
