// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"grimm.is/flowguard/internal/ctlplane"
)

var flowsCmd = &cobra.Command{
	Use:     "flows",
	Aliases: []string{"flow"},
	Short:   "Inspect and abort flows",
}

var flowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live TCP and UDP flow contexts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c ctlplane.ControlPlaneClient) error {
			flows, err := c.FlowStats()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), flows)
		})
	},
}

var flowsAbortCmd = &cobra.Command{
	Use:   "abort <id>",
	Short: "Reset a TCP flow by logical id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withClient(func(c ctlplane.ControlPlaneClient) error {
			if err := c.AbortFlow(id); err != nil {
				return fmt.Errorf("failed to abort flow %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Flow %d aborted\n", id)
			return nil
		})
	},
}

func init() {
	flowsCmd.AddCommand(flowsListCmd)
	flowsCmd.AddCommand(flowsAbortCmd)
}
