// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package devices

import (
	"context"

	"github.com/stratastor/zfsd/pkg/errors"
)

// Devices lists the device directory, one level of subdirectories deep.
func (e *Enumerator) Devices(ctx context.Context) ([]string, error) {
	names, err := listDevDir(e.devDir)
	if err != nil {
		return nil, errors.Wrap(err, errors.DeviceEnumFailed).
			WithMetadata("path", e.devDir)
	}
	return uniqueSorted(names), nil
}
