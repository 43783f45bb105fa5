// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package constants

import "time"

// Build-time variables set via ldflags
var (
	Version   = "v0.0.1-dev" // Set via -X flag during build
	CommitSHA = "unknown"    // Set via -X flag during build
	BuildTime = "unknown"    // Set via -X flag during build
)

const (
	ZfsdPIDFilePath = "/var/run/zfsd.pid"
	ZfsdLogFilePath = "/var/log/zfsd.log"

	// config
	ConfigFileName = "zfsd.yml"
	ConfigDir      = "/etc/zfsd"
	EnvPrefix      = "ZFSD"

	// devd
	DevdSocketPath        = "/var/run/devd.pipe"
	DefaultReconnectDelay = 30 * time.Second

	// case files
	CaseFileDir             = "/var/db/zfsd/cases"
	DefaultGracePeriod      = 60 * time.Second
	DefaultDegradeThreshold = 50

	// journal
	JournalPath = "/var/db/zfsd/journal.db"

	// tools
	BinZpool    = "/sbin/zpool"
	BinZinject  = "/sbin/zinject"
	BinZdb      = "/sbin/zdb"
	BinUdevadm  = "/usr/bin/udevadm"
	BinDiskinfo = "/usr/sbin/diskinfo"
)
