// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

// Package zpool answers pool configuration queries and performs
// corrective actions through the zpool(8) and zinject(8) utilities.
package zpool

import (
	"bufio"
	"bytes"
	"context"
	"strings"

	"github.com/stratastor/logger"
	"github.com/stratastor/zfsd/internal/constants"
	"github.com/stratastor/zfsd/pkg/errors"
	"github.com/stratastor/zfsd/pkg/zfsd"
)

// Runner executes an external command and returns its standard output.
type Runner interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Paths locate the utilities. Empty fields take the defaults.
type Paths struct {
	Zpool   string
	Zinject string
}

// Manager implements zfsd.PoolQuerier and zfsd.Corrector.
type Manager struct {
	logger logger.Logger
	runner Runner
	paths  Paths
}

var (
	_ zfsd.PoolQuerier = (*Manager)(nil)
	_ zfsd.Corrector   = (*Manager)(nil)
)

func NewManager(l logger.Logger, runner Runner, paths Paths) *Manager {
	if paths.Zpool == "" {
		paths.Zpool = constants.BinZpool
	}
	if paths.Zinject == "" {
		paths.Zinject = constants.BinZinject
	}
	return &Manager{logger: l, runner: runner, paths: paths}
}

// Pools lists every imported pool with its leaf vdevs.
func (m *Manager) Pools(ctx context.Context) ([]*zfsd.Pool, error) {
	out, err := m.runner.Execute(ctx, m.paths.Zpool, "status", "-j", "-p")
	if err != nil {
		return nil, errors.Wrap(err, errors.ZpoolCommandFailed).
			WithMetadata("operation", "status")
	}
	pools, err := parseStatus(out)
	if err != nil {
		return nil, err
	}

	autoreplace, err := m.autoReplace(ctx)
	if err != nil {
		// The pools are still usable; replacement by slot just stays off.
		m.logger.Warn("failed to read autoreplace property", "error", err)
	}
	for _, p := range pools {
		p.AutoReplace = autoreplace[p.Name]
	}
	return pools, nil
}

// PoolByGUID returns nil when no imported pool has guid.
func (m *Manager) PoolByGUID(ctx context.Context, guid zfsd.Guid) (*zfsd.Pool, error) {
	pools, err := m.Pools(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range pools {
		if p.GUID == guid {
			return p, nil
		}
	}
	return nil, nil
}

// autoReplace maps pool names to their autoreplace property.
func (m *Manager) autoReplace(ctx context.Context) (map[string]bool, error) {
	out, err := m.runner.Execute(ctx, m.paths.Zpool, "get", "-H", "-p", "-o", "name,value", "autoreplace")
	if err != nil {
		return nil, errors.Wrap(err, errors.ZpoolCommandFailed).
			WithMetadata("operation", "get autoreplace")
	}
	result := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Split(sc.Text(), "\t")
		if len(fields) != 2 {
			continue
		}
		result[fields[0]] = fields[1] == "on"
	}
	return result, nil
}

// Online brings a vdev back and reports the state it settled in.
func (m *Manager) Online(ctx context.Context, pool *zfsd.Pool, vdev zfsd.Vdev) (zfsd.VdevState, error) {
	if _, err := m.runner.Execute(ctx, m.paths.Zpool, "online", pool.Name, vdev.GUID.String()); err != nil {
		return vdev.State, errors.Wrap(err, errors.ZpoolOnlineFailed).
			WithMetadata("pool", pool.Name).
			WithMetadata("vdev_guid", vdev.GUID.String())
	}

	fresh, err := m.PoolByGUID(ctx, pool.GUID)
	if err != nil {
		return vdev.State, err
	}
	if fresh == nil {
		return zfsd.VdevStateUnknown, errors.New(errors.ZpoolPoolNotFound, pool.Name)
	}
	v, ok := fresh.FindVdev(vdev.GUID)
	if !ok {
		return zfsd.VdevStateUnknown, errors.New(errors.ZpoolVdevNotFound, vdev.GUID.String()).
			WithMetadata("pool", pool.Name)
	}
	return v.State, nil
}

// Degrade marks a vdev degraded through a fault injection.
func (m *Manager) Degrade(ctx context.Context, pool *zfsd.Pool, vdev zfsd.Vdev, aux zfsd.VdevAux) error {
	_, err := m.runner.Execute(ctx, m.paths.Zinject, "-d", vdev.GUID.String(), "-A", "degrade", pool.Name)
	if err != nil {
		return errors.Wrap(err, errors.ZpoolDegradeFailed).
			WithMetadata("pool", pool.Name).
			WithMetadata("vdev_guid", vdev.GUID.String()).
			WithMetadata("aux", string(aux))
	}
	return nil
}

// LabelDisk clears stale pool labels from a disk about to join pool.
func (m *Manager) LabelDisk(ctx context.Context, pool *zfsd.Pool, devPath string) error {
	if _, err := m.runner.Execute(ctx, m.paths.Zpool, "labelclear", "-f", devPath); err != nil {
		return errors.Wrap(err, errors.ZpoolLabelFailed).
			WithMetadata("pool", pool.Name).
			WithMetadata("device", devPath)
	}
	return nil
}

// Replace attaches spec.Path as the replacement of vdev.
func (m *Manager) Replace(ctx context.Context, pool *zfsd.Pool, vdev zfsd.Vdev, spec zfsd.ReplacementSpec) error {
	if spec.Path == "" {
		return errors.New(errors.ZpoolReplaceFailed, "replacement without a device path").
			WithMetadata("pool", pool.Name)
	}
	if _, err := m.runner.Execute(ctx, m.paths.Zpool, "replace", pool.Name, vdev.GUID.String(), spec.Path); err != nil {
		return errors.Wrap(err, errors.ZpoolReplaceFailed).
			WithMetadata("pool", pool.Name).
			WithMetadata("vdev_guid", vdev.GUID.String()).
			WithMetadata("device", spec.Path)
	}
	return nil
}
