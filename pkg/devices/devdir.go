// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package devices

import (
	"os"
	"path"
)

// listDevDir returns the character and block device nodes in dir and its
// immediate subdirectories, relative to dir.
func listDevDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			sub, err := os.ReadDir(path.Join(dir, entry.Name()))
			if err != nil {
				continue
			}
			for _, s := range sub {
				if isDeviceNode(s) {
					names = append(names, path.Join(entry.Name(), s.Name()))
				}
			}
			continue
		}
		if isDeviceNode(entry) {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

func isDeviceNode(e os.DirEntry) bool {
	return e.Type()&os.ModeDevice != 0
}
