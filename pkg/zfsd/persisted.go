// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package zfsd

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/stratastor/zfsd/pkg/errors"
)

// PersistedCase describes a case file found on disk.
type PersistedCase struct {
	PoolGUID Guid
	VdevGUID Guid
	Path     string
	Events   int
	Oldest   time.Time
	Newest   time.Time
	// Err is set when the file could not be read back.
	Err error
}

// ListPersistedCases reads the case files in dir without acting on them.
// Files whose names are not case file names are skipped.
func ListPersistedCases(dir string) ([]PersistedCase, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.CaseDirFailed).
			WithMetadata("dir", dir)
	}

	var out []PersistedCase
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		pool, vdev, err := ParseCaseFileName(entry.Name())
		if err != nil {
			continue
		}
		pc := PersistedCase{
			PoolGUID: pool,
			VdevGUID: vdev,
			Path:     filepath.Join(dir, entry.Name()),
		}
		events, err := readCaseRecords(pc.Path)
		if err != nil {
			pc.Err = err
		}
		pc.Events = len(events)
		for _, ev := range events {
			ts := ev.Timestamp()
			if ts.IsZero() {
				continue
			}
			if pc.Oldest.IsZero() || ts.Before(pc.Oldest) {
				pc.Oldest = ts
			}
			if ts.After(pc.Newest) {
				pc.Newest = ts
			}
		}
		out = append(out, pc)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].PoolGUID != out[j].PoolGUID {
			return out[i].PoolGUID < out[j].PoolGUID
		}
		return out[i].VdevGUID < out[j].VdevGUID
	})
	return out, nil
}
