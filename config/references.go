// Copyright 2024 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"

	"github.com/stratastor/zfsd/internal/constants"
	"github.com/stratastor/zfsd/pkg/errors"
)

// GetConfigDir returns the system config directory when running as root
// and ~/.zfsd otherwise.
func GetConfigDir() string {
	if os.Geteuid() == 0 {
		return constants.ConfigDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return constants.ConfigDir
	}
	return filepath.Join(home, ".zfsd")
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Cases.Dir}
	if c.Journal.Enabled && c.Journal.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Journal.Path))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, errors.CaseDirFailed).
				WithMetadata("dir", dir)
		}
	}
	return nil
}
