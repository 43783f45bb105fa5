// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package devices

import (
	"sort"

	"github.com/stratastor/logger"
	"github.com/stratastor/zfsd/pkg/zfsd"
)

// Enumerator implements zfsd.Enumerator. It lists block devices from sysfs
// on Linux and the device directory elsewhere.
type Enumerator struct {
	logger logger.Logger
	devDir string
}

var _ zfsd.Enumerator = (*Enumerator)(nil)

func NewEnumerator(l logger.Logger) *Enumerator {
	return &Enumerator{logger: l, devDir: "/dev"}
}

// uniqueSorted removes duplicates and empty names.
func uniqueSorted(names []string) []string {
	sort.Strings(names)
	out := names[:0]
	for i, n := range names {
		if n == "" || (i > 0 && n == names[i-1]) {
			continue
		}
		out = append(out, n)
	}
	return out
}
