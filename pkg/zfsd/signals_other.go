// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

//go:build !(darwin || dragonfly || freebsd || netbsd || openbsd)

package zfsd

import (
	"os"
	"syscall"
)

var dumpSignals = []os.Signal{syscall.SIGUSR1}
