// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"grimm.is/flowguard/internal/errors"
)

// LoadOptions controls how configs are loaded
type LoadOptions struct {
	// AllowUnknownFields ignores unknown HCL fields (useful for forward compat)
	AllowUnknownFields bool

	// SkipValidation returns the decoded config without validating it.
	SkipValidation bool
}

// DefaultLoadOptions returns sensible defaults for loading configs
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{}
}

// LoadFile loads a config file (HCL or JSON), applies defaults and
// validates it.
func LoadFile(path string) (*Config, error) {
	return LoadFileWithOptions(path, DefaultLoadOptions())
}

// LoadFileWithOptions loads a config file with explicit options
func LoadFileWithOptions(path string, opts LoadOptions) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "failed to read config file %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		return LoadHCLWithOptions(data, path, opts)
	case ".json":
		return LoadJSONWithOptions(data, opts)
	}

	// Try HCL first
	cfg, hclErr := LoadHCLWithOptions(data, path, opts)
	if hclErr == nil {
		return cfg, nil
	}
	cfg, jsonErr := LoadJSONWithOptions(data, opts)
	if jsonErr == nil {
		return cfg, nil
	}
	return nil, errors.Wrapf(hclErr, errors.KindValidation, "failed to parse config as HCL (JSON fallback error: %v)", jsonErr)
}

// LoadHCL loads config from HCL bytes
func LoadHCL(data []byte, filename string) (*Config, error) {
	return LoadHCLWithOptions(data, filename, DefaultLoadOptions())
}

// LoadHCLWithOptions loads config from HCL bytes with options
func LoadHCLWithOptions(data []byte, filename string, opts LoadOptions) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, errors.Wrap(diags, errors.KindValidation, "failed to parse HCL")
	}

	var cfg Config
	diags = gohcl.DecodeBody(file.Body, nil, &cfg)
	if diags.HasErrors() {
		for _, diag := range diags {
			if diag.Severity != hcl.DiagError {
				continue
			}
			if opts.AllowUnknownFields && strings.HasPrefix(diag.Summary, "Unsupported") {
				continue
			}
			return nil, errors.Wrap(diags, errors.KindValidation, "failed to decode HCL")
		}
	}
	return finish(&cfg, opts)
}

// LoadJSON loads config from JSON bytes
func LoadJSON(data []byte) (*Config, error) {
	return LoadJSONWithOptions(data, DefaultLoadOptions())
}

// LoadJSONWithOptions loads config from JSON bytes with options
func LoadJSONWithOptions(data []byte, opts LoadOptions) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to parse JSON")
	}
	return finish(&cfg, opts)
}

func finish(cfg *Config, opts LoadOptions) (*Config, error) {
	if cfg.SchemaVersion != "" && cfg.SchemaVersion != CurrentSchemaVersion {
		return nil, errors.Errorf(errors.KindValidation, "config version %s is not supported (want %s)",
			cfg.SchemaVersion, CurrentSchemaVersion)
	}
	cfg.ApplyDefaults()
	if opts.SkipValidation {
		return cfg, nil
	}
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errs.Err()
	}
	return cfg, nil
}

// Default returns a validated config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// String renders the config as indented JSON for `flowguard config show`.
func (c *Config) String() string {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return string(b)
}
