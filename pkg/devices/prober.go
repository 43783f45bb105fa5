// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

// Package devices inspects disks for zfsd: pool labels, physical slot
// paths and the set of device nodes present on the system.
package devices

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/stratastor/logger"
	"github.com/stratastor/zfsd/internal/constants"
	"github.com/stratastor/zfsd/pkg/errors"
	"github.com/stratastor/zfsd/pkg/zfsd"
)

// probeTimeout bounds every helper invocation; probing runs inside the
// daemon's single event loop.
const probeTimeout = 10 * time.Second

// Runner executes an external command and returns its standard output.
type Runner interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Paths locate the helper utilities. Empty fields take the defaults.
type Paths struct {
	Zdb      string
	Udevadm  string
	Diskinfo string
}

// Prober implements zfsd.DeviceProber.
type Prober struct {
	logger logger.Logger
	runner Runner
	paths  Paths
	devDir string
	goos   string
}

var _ zfsd.DeviceProber = (*Prober)(nil)

func NewProber(l logger.Logger, runner Runner, paths Paths) *Prober {
	if paths.Zdb == "" {
		paths.Zdb = constants.BinZdb
	}
	if paths.Udevadm == "" {
		paths.Udevadm = constants.BinUdevadm
	}
	if paths.Diskinfo == "" {
		paths.Diskinfo = constants.BinDiskinfo
	}
	return &Prober{
		logger: l,
		runner: runner,
		paths:  paths,
		devDir: "/dev",
		goos:   runtime.GOOS,
	}
}

// Resolve opens the named node and returns its canonical path with any
// symlink alias resolved.
func (p *Prober) Resolve(name string) (string, error) {
	path := filepath.Join(p.devDir, name)
	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", errors.Wrap(err, errors.DeviceOpenFailed).
			WithMetadata("device", path)
	}
	f, err := os.Open(canonical)
	if err != nil {
		return "", errors.Wrap(err, errors.DeviceOpenFailed).
			WithMetadata("device", canonical)
	}
	f.Close()
	return canonical, nil
}

// ReadLabel returns the first pool label zdb can unpack from devPath, or
// nil when the device carries none.
func (p *Prober) ReadLabel(devPath string) (*zfsd.Label, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	out, err := p.runner.Execute(ctx, p.paths.Zdb, "-l", devPath)
	label, found := parseZdbLabel(out)
	if found {
		return label, nil
	}
	if err != nil && len(bytes.TrimSpace(out)) == 0 {
		return nil, errors.Wrap(err, errors.DeviceLabelFailed).
			WithMetadata("device", devPath)
	}
	p.logger.Debug("device carries no pool label", "device", devPath)
	return nil, nil
}

// PhysicalPath returns the enclosure slot identifier of devPath.
func (p *Prober) PhysicalPath(devPath string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	var (
		out []byte
		err error
	)
	if p.goos == "linux" {
		out, err = p.runner.Execute(ctx, p.paths.Udevadm, "info", "--query=property", "--name="+devPath)
	} else {
		out, err = p.runner.Execute(ctx, p.paths.Diskinfo, "-p", devPath)
	}
	if err != nil {
		return "", errors.Wrap(err, errors.DevicePhysPathFailed).
			WithMetadata("device", devPath)
	}

	var physPath string
	if p.goos == "linux" {
		physPath = parseUdevProperties(out)["ID_PATH"]
	} else {
		physPath = strings.TrimSpace(string(out))
	}
	if physPath == "" {
		return "", errors.New(errors.DevicePhysPathFailed, "device reports no physical path").
			WithMetadata("device", devPath)
	}
	return physPath, nil
}

// parseUdevProperties reads KEY=value lines.
func parseUdevProperties(out []byte) map[string]string {
	props := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if ok {
			props[key] = value
		}
	}
	return props
}

// Pool states as stored in a label.
const (
	poolStateActive   = 0
	poolStateExported = 1
)

// parseZdbLabel extracts the first label printed by `zdb -l`. Only the
// label's top level is considered, except for health flags which zdb
// prints inside vdev_tree.
func parseZdbLabel(out []byte) (*zfsd.Label, bool) {
	var (
		label     zfsd.Label
		inLabel   bool
		haveState bool
		state     int
	)

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "LABEL ") {
			if inLabel && label.PoolGUID.IsValid() {
				break
			}
			inLabel = true
			continue
		}
		if !inLabel {
			continue
		}

		key, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), "'")
		topLevel := strings.HasPrefix(line, "    ") && !strings.HasPrefix(line, "     ")

		switch {
		case topLevel && key == "name":
			label.PoolName = value
		case topLevel && key == "pool_guid":
			label.PoolGUID = zfsd.ParseGuid(value)
		case topLevel && key == "guid":
			label.VdevGUID = zfsd.ParseGuid(value)
		case topLevel && key == "state":
			if n, err := strconv.Atoi(value); err == nil {
				state, haveState = n, true
			}
		case key == "degraded" || key == "faulted" || key == "removed":
			if value == "1" {
				label.Degraded = true
			}
		}
	}

	if !label.PoolGUID.IsValid() || !label.VdevGUID.IsValid() {
		return nil, false
	}
	label.InUse = haveState && (state == poolStateActive || state == poolStateExported)
	return &label, true
}
