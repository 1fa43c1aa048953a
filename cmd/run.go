// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"grimm.is/flowguard/internal/config"
	"grimm.is/flowguard/internal/driver"
	"grimm.is/flowguard/internal/logging"
)

var runConfigFile string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the filtering engine in the foreground",
	Long: `Load the configuration, assemble the engine and run it until SIGINT or
SIGTERM. On shutdown the inspector is detached and every flow reverts to
default-permit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunDaemon(runConfigFile)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runConfigFile, "config", "c", "", "configuration file (HCL or JSON)")
}

// RunDaemon runs the engine described by configFile. An empty path runs
// the defaults.
func RunDaemon(configFile string) error {
	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadFile(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	if socketPath != "" && configFile == "" {
		cfg.IO.Socket = socketPath
	}

	logger := driver.NewLogger(cfg.Logging, nil)
	logging.SetDefault(logger)

	d, err := driver.New(cfg, driver.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Received signal, shutting down...", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("engine stopped: %w", err)
	}
	return nil
}
