// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle holds process-level concerns of the zfsd binary: the
// single-instance PID file and hooks run once the daemon loop returns.
// Signals belong to the daemon loop itself and are not handled here.
package lifecycle

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/stratastor/zfsd/pkg/errors"
)

var (
	mu            sync.Mutex
	shutdownHooks []func()
)

func RegisterShutdownHook(hook func()) {
	mu.Lock()
	defer mu.Unlock()
	shutdownHooks = append(shutdownHooks, hook)
}

// Shutdown runs the registered hooks newest first and forgets them.
func Shutdown() {
	mu.Lock()
	hooks := shutdownHooks
	shutdownHooks = nil
	mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

// CheckSingleInstance fails when pidPath names a live process other than
// this one. It does not modify the file.
func CheckSingleInstance(pidPath string) error {
	if pidPath == "" {
		return errors.New(errors.LifecyclePID, "empty PID file path")
	}

	pidBytes, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, errors.LifecyclePID).
			WithMetadata("path", pidPath)
	}

	content := strings.TrimSpace(string(pidBytes))
	if content == "" {
		return nil
	}
	pid, err := strconv.Atoi(content)
	if err != nil {
		return errors.Wrap(err, errors.LifecyclePID).
			WithMetadata("path", pidPath)
	}
	if pid != os.Getpid() && processAlive(pid) {
		return errors.New(errors.LifecyclePID,
			fmt.Sprintf("another instance is already running (PID: %d)", pid)).
			WithMetadata("path", pidPath)
	}
	return nil
}

// EnsureSingleInstance claims pidPath for this process. A PID file naming
// a live process is an error; empty or stale files are replaced. The file
// is removed by Shutdown.
func EnsureSingleInstance(pidPath string) error {
	if err := CheckSingleInstance(pidPath); err != nil {
		return err
	}

	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return errors.Wrap(err, errors.LifecyclePID).
			WithMetadata("path", pidPath)
	}

	RegisterShutdownHook(func() {
		os.Remove(pidPath)
	})
	return nil
}

// ReadPID returns the process ID recorded in pidPath.
func ReadPID(pidPath string) (int, error) {
	pidBytes, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, errors.Wrap(err, errors.LifecyclePID).
			WithMetadata("path", pidPath)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return 0, errors.Wrap(err, errors.LifecyclePID).
			WithMetadata("path", pidPath)
	}
	return pid, nil
}

// ProcessAlive reports whether pid names a running process.
func ProcessAlive(pid int) bool {
	return processAlive(pid)
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
