// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package testutil holds helpers shared by package tests.
package testutil

import (
	"io"
	"os"
	"testing"

	"grimm.is/flowguard/internal/logging"
)

// RequireVM skips the test unless FLOWGUARD_VM_TEST is set. Tests that
// program nftables, open NFQUEUE or listen to conntrack only run in a
// disposable VM.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("FLOWGUARD_VM_TEST") == "" {
		t.Skip("Skipping test: requires FLOWGUARD_VM_TEST environment")
	}
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}

// Logger returns a logger that discards everything below error, or
// everything at all unless FLOWGUARD_TEST_LOG is set.
func Logger() *logging.Logger {
	cfg := logging.Config{Level: logging.LevelError, Output: io.Discard}
	if os.Getenv("FLOWGUARD_TEST_LOG") != "" {
		cfg.Level = logging.LevelDebug
		cfg.Output = os.Stderr
	}
	return logging.New(cfg)
}
