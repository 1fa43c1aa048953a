// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"grimm.is/flowguard/internal/config"
	"grimm.is/flowguard/internal/errors"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Check configuration files",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Load and validate a configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunConfigValidate(args[0], cmd.OutOrStdout())
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show [file]",
	Short: "Print a configuration with defaults applied",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if len(args) == 1 {
			var err error
			if cfg, err = config.LoadFile(args[0]); err != nil {
				return err
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}

// RunConfigValidate loads configPath and reports every problem found.
func RunConfigValidate(configPath string, out io.Writer) error {
	cfg, err := config.LoadFileWithOptions(configPath, config.LoadOptions{SkipValidation: true})
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	errs := cfg.Validate()
	if errs.HasErrors() {
		fmt.Fprintf(out, "Configuration validation failed with %d errors:\n", len(errs))
		for _, e := range errs {
			fmt.Fprintf(out, "  - %s\n", e.Error())
		}
		return errors.New(errors.KindValidation, "validation failed")
	}
	fmt.Fprintf(out, "Configuration valid: %d rules, %d bind rules, %d buckets, stack %s\n",
		len(cfg.Rules), len(cfg.BindRules), len(cfg.FlowControl.Buckets), cfg.Stack.Type)
	return nil
}
