// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package ctlplane

import "grimm.is/flowguard/internal/errors"

// MapRegion is only available on Linux.
func MapRegion(dir, name string, size int) (Region, error) {
	return nil, errors.New(errors.KindUnavailable, "mapped regions require linux")
}
