// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"grimm.is/flowguard/internal/errors"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"slow", true},
		{"web-443_v2.1", true},
		{"", false},
		{"has space", false},
		{"semi;colon", false},
		{strings.Repeat("a", 65), false},
	}
	for _, tt := range tests {
		err := ValidateIdentifier(tt.id)
		if tt.valid {
			assert.NoError(t, err, tt.id)
			continue
		}
		assert.Error(t, err, tt.id)
		assert.Equal(t, errors.KindValidation, errors.GetKind(err))
	}
}

func TestValidateSocketPath(t *testing.T) {
	assert.NoError(t, ValidateSocketPath("/run/flowguard/ctl.sock"))
	assert.NoError(t, ValidateSocketPath("ctl.sock"))
	assert.Error(t, ValidateSocketPath(""))
	assert.Error(t, ValidateSocketPath("/run/../etc/ctl.sock"))
	assert.Error(t, ValidateSocketPath("/run/ctl$.sock"))
	assert.Error(t, ValidateSocketPath("/"+strings.Repeat("s", MaxSocketPath)))
}

func TestValidateDirectory(t *testing.T) {
	assert.NoError(t, ValidateDirectory("/dev/shm"))
	assert.Error(t, ValidateDirectory("shm"))
	assert.Error(t, ValidateDirectory("/dev/shm/.."))
}

func TestValidateAllowlist(t *testing.T) {
	allowed := []string{"sim", "nfqueue"}
	assert.NoError(t, ValidateAllowlist("NFQueue", allowed))
	err := ValidateAllowlist("pcap", allowed)
	assert.ErrorContains(t, err, "sim, nfqueue")
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "rm -rf", SanitizeString("rm -rf;`"))
	assert.Equal(t, 1, len(SanitizeString("a\x00")))
}

func TestValidatePortNumber(t *testing.T) {
	assert.NoError(t, ValidatePortNumber(514))
	assert.Error(t, ValidatePortNumber(0))
	assert.Error(t, ValidatePortNumber(70000))
}
