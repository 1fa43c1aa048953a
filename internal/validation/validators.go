// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package validation holds field-level checks shared by the config loader
// and the control surface.
package validation

import (
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"grimm.is/flowguard/internal/errors"
)

var (
	// Bucket and rule names: alphanumeric, dash, underscore, dot.
	identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

	// Characters that must never reach a socket path or a log line verbatim.
	dangerousChars = []string{";", "|", "&", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", "\n", "\r", "\x00"}
)

// MaxSocketPath is the longest unix socket path the kernel accepts.
const MaxSocketPath = 107

// ValidateIdentifier checks a bucket or rule name.
func ValidateIdentifier(id string) error {
	if id == "" {
		return errors.New(errors.KindValidation, "identifier cannot be empty")
	}
	if len(id) > 64 {
		return errors.New(errors.KindValidation, "identifier too long (max 64 characters)")
	}
	if !identifierRegex.MatchString(id) {
		return errors.Errorf(errors.KindValidation, "invalid identifier: %s (must be alphanumeric with -_.)", SanitizeString(id))
	}
	return nil
}

// ValidateSocketPath checks the control socket path.
func ValidateSocketPath(path string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if len(path) > MaxSocketPath {
		return errors.Errorf(errors.KindValidation, "socket path too long (max %d bytes)", MaxSocketPath)
	}
	return nil
}

// ValidateDirectory checks a directory that regions are mapped from.
func ValidateDirectory(path string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if !filepath.IsAbs(path) {
		return errors.Errorf(errors.KindValidation, "directory must be absolute: %s", path)
	}
	return nil
}

func validatePath(path string) error {
	if path == "" {
		return errors.New(errors.KindValidation, "path cannot be empty")
	}
	for _, elem := range strings.Split(filepath.ToSlash(path), "/") {
		if elem == ".." {
			return errors.Errorf(errors.KindValidation, "path traversal not allowed: %s", SanitizeString(path))
		}
	}
	for _, char := range dangerousChars {
		if strings.Contains(path, char) {
			return errors.Errorf(errors.KindValidation, "path contains forbidden character %q", char)
		}
	}
	return nil
}

// ValidateAllowlist checks that value, compared case-insensitively, is one
// of allowed.
func ValidateAllowlist(value string, allowed []string) error {
	if slices.Contains(allowed, strings.ToLower(value)) {
		return nil
	}
	return errors.Errorf(errors.KindValidation, "unknown value %q (must be one of: %s)",
		SanitizeString(value), strings.Join(allowed, ", "))
}

// ValidatePortNumber validates a port number.
func ValidatePortNumber(port int) error {
	if port < 1 || port > 65535 {
		return errors.Errorf(errors.KindValidation, "invalid port number: %d (must be 1-65535)", port)
	}
	return nil
}

// SanitizeString removes dangerous characters so user input can be echoed
// in errors and logs.
func SanitizeString(s string) string {
	for _, char := range dangerousChars {
		s = strings.ReplaceAll(s, char, "")
	}
	return s
}
