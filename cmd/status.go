// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"grimm.is/flowguard/internal/ctlplane"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c ctlplane.ControlPlaneClient) error {
			return runStatus(c, cmd.OutOrStdout())
		})
	},
}

func runStatus(c ctlplane.ControlPlaneClient, out io.Writer) error {
	st, err := c.Status()
	if err != nil {
		return fmt.Errorf("failed to query status: %w", err)
	}
	return printJSON(out, st)
}
