// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"grimm.is/flowguard/internal/ctlplane"
	"grimm.is/flowguard/internal/qos"
)

var bucketLimits qos.Limits

var bucketCmd = &cobra.Command{
	Use:     "bucket",
	Aliases: []string{"buckets"},
	Short:   "Manage flow-control buckets",
}

var bucketAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a bucket and print its id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c ctlplane.ControlPlaneClient) error {
			return runBucketAdd(c, bucketLimits, cmd.OutOrStdout())
		})
	},
}

var bucketDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a bucket; flows charged to it become unlimited",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withClient(func(c ctlplane.ControlPlaneClient) error {
			if err := c.DeleteBucket(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Bucket %d deleted\n", id)
			return nil
		})
	},
}

var bucketModifyCmd = &cobra.Command{
	Use:   "modify <id>",
	Short: "Change the limits of a bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withClient(func(c ctlplane.ControlPlaneClient) error {
			if err := c.ModifyBucket(id, bucketLimits); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Bucket %d updated\n", id)
			return nil
		})
	},
}

var bucketStatsCmd = &cobra.Command{
	Use:   "stats [id]",
	Short: "Show bucket counters; every bucket when no id is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id uint64
		if len(args) == 1 {
			var err error
			if id, err = parseID(args[0]); err != nil {
				return err
			}
		}
		return withClient(func(c ctlplane.ControlPlaneClient) error {
			return runBucketStats(c, id, cmd.OutOrStdout())
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{bucketAddCmd, bucketModifyCmd} {
		c.Flags().Uint64Var(&bucketLimits.InBytesPerSec, "in", 0, "inbound limit in bytes per second (0 is unlimited)")
		c.Flags().Uint64Var(&bucketLimits.OutBytesPerSec, "out", 0, "outbound limit in bytes per second (0 is unlimited)")
	}
	bucketCmd.AddCommand(bucketAddCmd)
	bucketCmd.AddCommand(bucketDeleteCmd)
	bucketCmd.AddCommand(bucketModifyCmd)
	bucketCmd.AddCommand(bucketStatsCmd)
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func runBucketAdd(c ctlplane.ControlPlaneClient, limits qos.Limits, out io.Writer) error {
	id, err := c.AddBucket(limits)
	if err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	fmt.Fprintln(out, id)
	return nil
}

func runBucketStats(c ctlplane.ControlPlaneClient, id uint64, out io.Writer) error {
	stats, err := c.BucketStats(id)
	if err != nil {
		return err
	}
	return printJSON(out, stats)
}
