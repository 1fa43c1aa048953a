// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"testing"
	"time"

	"grimm.is/flowguard/internal/logging"
)

// testCollector creates a collector for testing.
func testCollector() *Collector {
	logger := logging.New(logging.DefaultConfig())
	return NewCollector(nil, &staticSource{}, logger, time.Second, "")
}

func TestCalculateRate_Normal(t *testing.T) {
	c := testCollector()

	// Normal case: counter increased
	rate := c.calculateRate(1000, 500, 1.0)
	if rate != 500.0 {
		t.Errorf("Expected rate 500.0, got %f", rate)
	}
}

func TestCalculateRate_Reset(t *testing.T) {
	c := testCollector()

	// Bucket modified or recreated: current value is the delta since reset
	rate := c.calculateRate(100, 1000, 1.0)
	if rate != 100.0 {
		t.Errorf("On reset, expected rate 100.0 (current value), got %f", rate)
	}
}

func TestCalculateRate_ZeroElapsed(t *testing.T) {
	c := testCollector()

	rate := c.calculateRate(1000, 500, 0.0)
	if rate != 0.0 {
		t.Errorf("Expected rate 0.0 for zero elapsed, got %f", rate)
	}
}

func TestCalculateRate_NegativeElapsed(t *testing.T) {
	c := testCollector()

	rate := c.calculateRate(1000, 500, -1.0)
	if rate != 0.0 {
		t.Errorf("Expected rate 0.0 for negative elapsed, got %f", rate)
	}
}

func TestCalculateRate_HalfSecond(t *testing.T) {
	c := testCollector()

	rate := c.calculateRate(1500, 1000, 0.5)
	if rate != 1000.0 {
		t.Errorf("Expected rate 1000.0, got %f", rate)
	}
}
