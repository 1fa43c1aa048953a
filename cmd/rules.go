// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"grimm.is/flowguard/internal/config"
	"grimm.is/flowguard/internal/ctlplane"
	"grimm.is/flowguard/internal/qos"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage flow and bind rules",
}

var rulesApplyCmd = &cobra.Command{
	Use:   "apply <file>",
	Short: "Replace the active rules with a YAML or JSON rule file",
	Long: `Create the buckets the file declares, then atomically replace the flow
rule list and the bind rule list with the rules it contains.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c ctlplane.ControlPlaneClient) error {
			return runRulesApply(c, args[0], cmd.OutOrStdout())
		})
	},
}

var rulesClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every flow and bind rule",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c ctlplane.ControlPlaneClient) error {
			return runRulesClear(c, cmd.OutOrStdout())
		})
	},
}

func init() {
	rulesCmd.AddCommand(rulesApplyCmd)
	rulesCmd.AddCommand(rulesClearCmd)
}

func runRulesApply(c ctlplane.ControlPlaneClient, path string, out io.Writer) error {
	rs, err := config.LoadRuleSet(path)
	if err != nil {
		return err
	}

	ids := make(map[string]uint64, len(rs.Buckets))
	for _, b := range rs.Buckets {
		if _, dup := ids[b.Name]; dup || b.Name == "" {
			return fmt.Errorf("bucket name %q is empty or repeated", b.Name)
		}
		id, err := c.AddBucket(qos.Limits{InBytesPerSec: b.InBytesPerSec, OutBytesPerSec: b.OutBytesPerSec})
		if err != nil {
			deleteBuckets(c, ids)
			return fmt.Errorf("failed to create bucket %s: %w", b.Name, err)
		}
		ids[b.Name] = id
	}

	rules, binds, err := rs.Compile(ids)
	if err != nil {
		deleteBuckets(c, ids)
		return err
	}
	n, err := c.ReplaceRules(rules)
	if err != nil {
		deleteBuckets(c, ids)
		return fmt.Errorf("failed to replace rules: %w", err)
	}
	m, err := c.ReplaceBindRules(binds)
	if err != nil {
		return fmt.Errorf("flow rules applied but bind rules failed: %w", err)
	}

	for name, id := range ids {
		fmt.Fprintf(out, "bucket %s: id %d\n", name, id)
	}
	fmt.Fprintf(out, "Applied %d rules and %d bind rules from %s\n", n, m, path)
	return nil
}

// deleteBuckets undoes a partial apply.
func deleteBuckets(c ctlplane.ControlPlaneClient, ids map[string]uint64) {
	for _, id := range ids {
		c.DeleteBucket(id)
	}
}

func runRulesClear(c ctlplane.ControlPlaneClient, out io.Writer) error {
	if _, err := c.ReplaceRules(nil); err != nil {
		return fmt.Errorf("failed to clear rules: %w", err)
	}
	if _, err := c.ReplaceBindRules(nil); err != nil {
		return fmt.Errorf("failed to clear bind rules: %w", err)
	}
	fmt.Fprintln(out, "Rules cleared")
	return nil
}
