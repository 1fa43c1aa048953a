// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cmd implements the flowguard command line.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"grimm.is/flowguard/internal/ctlplane"
)

var (
	socketPath string

	// dialClient connects to the daemon. Tests replace it.
	dialClient = func(path string) (ctlplane.ControlPlaneClient, error) {
		return ctlplane.NewClient(path)
	}
)

var rootCmd = &cobra.Command{
	Use:   "flowguard",
	Short: "Flow filtering engine with an out-of-process inspector",
	Long: `flowguard intercepts TCP, UDP and IP traffic, classifies it against an
ordered rule list and hands matching flows to an inspector process that
may observe, modify, inject or block them.

Run the engine with "flowguard run"; every other command talks to the
running daemon over its control socket.`,
	SilenceUsage: true,
}

// Execute runs the command line.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", ctlplane.SocketPath(),
		"daemon control socket path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(bucketCmd)
	rootCmd.AddCommand(flowsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// withClient connects to the daemon for the duration of fn.
func withClient(fn func(c ctlplane.ControlPlaneClient) error) error {
	c, err := dialClient(socketPath)
	if err != nil {
		return fmt.Errorf("daemon is not running or socket %s is inaccessible: %w", socketPath, err)
	}
	defer c.Close()
	return fn(c)
}

func printJSON(out io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	fmt.Fprintln(out, string(b))
	return nil
}
