// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package zfsd

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/stratastor/logger"
	"github.com/stretchr/testify/require"
)

type fakePools struct {
	pools map[Guid]*Pool
	err   error
}

func (f *fakePools) Pools(ctx context.Context) ([]*Pool, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*Pool
	for _, p := range f.pools {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *Pool) int { return int(a.GUID) - int(b.GUID) })
	return out, nil
}

func (f *fakePools) PoolByGUID(ctx context.Context, guid Guid) (*Pool, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pools[guid], nil
}

func (f *fakePools) add(p *Pool) {
	for i := range p.Vdevs {
		p.Vdevs[i].PoolGUID = p.GUID
	}
	f.pools[p.GUID] = p
}

func (f *fakePools) setState(pool, vdev Guid, s VdevState) {
	p := f.pools[pool]
	for i := range p.Vdevs {
		if p.Vdevs[i].GUID == vdev {
			p.Vdevs[i].State = s
		}
	}
}

func (f *fakePools) removeVdev(pool, vdev Guid) {
	p := f.pools[pool]
	p.Vdevs = slices.DeleteFunc(p.Vdevs, func(v Vdev) bool { return v.GUID == vdev })
}

type fakeCorrector struct {
	pools *fakePools

	onlineState VdevState
	onlineErr   error
	degradeErr  error
	labelErr    error
	replaceErr  error

	onlined  []Guid
	degraded []Guid
	labelled []string
	replaced []ReplacementSpec
}

func (f *fakeCorrector) Online(ctx context.Context, pool *Pool, vdev Vdev) (VdevState, error) {
	f.onlined = append(f.onlined, vdev.GUID)
	if f.onlineErr != nil {
		return vdev.State, f.onlineErr
	}
	f.pools.setState(pool.GUID, vdev.GUID, f.onlineState)
	return f.onlineState, nil
}

func (f *fakeCorrector) Degrade(ctx context.Context, pool *Pool, vdev Vdev, aux VdevAux) error {
	f.degraded = append(f.degraded, vdev.GUID)
	if f.degradeErr != nil {
		return f.degradeErr
	}
	f.pools.setState(pool.GUID, vdev.GUID, VdevStateDegraded)
	return nil
}

func (f *fakeCorrector) LabelDisk(ctx context.Context, pool *Pool, devPath string) error {
	f.labelled = append(f.labelled, devPath)
	return f.labelErr
}

func (f *fakeCorrector) Replace(ctx context.Context, pool *Pool, vdev Vdev, spec ReplacementSpec) error {
	f.replaced = append(f.replaced, spec)
	return f.replaceErr
}

type fakeDevice struct {
	label    *Label
	physPath string
}

type fakeProber struct {
	devices  map[string]fakeDevice
	aliases  map[string]string
	resolved []string
}

func (f *fakeProber) Resolve(name string) (string, error) {
	f.resolved = append(f.resolved, name)
	if target, ok := f.aliases[name]; ok {
		name = target
	}
	if _, ok := f.devices[name]; !ok {
		return "", fmt.Errorf("no such device: %s", name)
	}
	return "/dev/" + name, nil
}

func (f *fakeProber) ReadLabel(devPath string) (*Label, error) {
	return f.devices[devPath[len("/dev/"):]].label, nil
}

func (f *fakeProber) PhysicalPath(devPath string) (string, error) {
	pp := f.devices[devPath[len("/dev/"):]].physPath
	if pp == "" {
		return "", fmt.Errorf("no physical path")
	}
	return pp, nil
}

type fakeEnumerator struct {
	names []string
}

func (f *fakeEnumerator) Devices(ctx context.Context) ([]string, error) {
	return f.names, nil
}

type fakeJournal struct {
	entries []JournalEntry
}

func (f *fakeJournal) Record(ctx context.Context, e JournalEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeJournal) actions() []string {
	var out []string
	for _, e := range f.entries {
		out = append(out, e.Action)
	}
	return out
}

type fakeAlarm struct {
	current time.Duration
}

func (a *fakeAlarm) Set(d time.Duration) error  { a.current = d; return nil }
func (a *fakeAlarm) Remaining() time.Duration { return a.current }
func (a *fakeAlarm) Close() error              { a.current = 0; return nil }

type harness struct {
	d         *Daemon
	pools     *fakePools
	corrector *fakeCorrector
	prober    *fakeProber
	enum      *fakeEnumerator
	journal   *fakeJournal
	alarm     *fakeAlarm
}

const (
	tankGUID Guid = 1000
	vdevGUID Guid = 42
)

// newHarness returns a daemon watching pool "tank" with one healthy
// vdev, GUID 42.
func newHarness(t *testing.T) *harness {
	t.Helper()
	l, err := logger.NewTag(logger.Config{LogLevel: "debug"}, "test")
	require.NoError(t, err)

	h := &harness{
		pools:   &fakePools{pools: map[Guid]*Pool{}},
		prober:  &fakeProber{devices: map[string]fakeDevice{}},
		enum:    &fakeEnumerator{},
		journal: &fakeJournal{},
		alarm:   &fakeAlarm{},
	}
	h.corrector = &fakeCorrector{pools: h.pools, onlineState: VdevStateHealthy}
	h.pools.add(&Pool{
		Name: "tank",
		GUID: tankGUID,
		Vdevs: []Vdev{{
			GUID:     vdevGUID,
			State:    VdevStateHealthy,
			PhysPath: "pci-0000:00:1f.2-ata-1",
			Path:     "/dev/" + diskName(),
		}},
	})

	h.d, err = NewDaemon(l, Options{CaseDir: t.TempDir()}, Deps{
		Pools:      h.pools,
		Corrector:  h.corrector,
		Prober:     h.prober,
		Enumerator: h.enum,
		Journal:    h.journal,
		Alarm:      h.alarm,
	})
	require.NoError(t, err)
	return h
}

// expire simulates the interval timer firing.
func (h *harness) expire() {
	h.alarm.current = 0
	h.d.callouts.AlarmFired()
	h.d.callouts.ExpireCallouts()
}

func zfsRecord(class string, pool, vdev Guid) string {
	return fmt.Sprintf("!system=ZFS subsystem=ZFS type=%s class=%s pool_guid=%d vdev_guid=%d timestamp=1700000000\n",
		class, class, uint64(pool), uint64(vdev))
}

func poolRecord(typ string, pool, vdev Guid) string {
	return fmt.Sprintf("!system=ZFS subsystem=ZFS type=%s pool_guid=%d vdev_guid=%d timestamp=1700000000\n",
		typ, uint64(pool), uint64(vdev))
}

func createRecord(name string) string {
	return fmt.Sprintf("!system=DEVFS subsystem=CDEV type=CREATE cdev=%s\n", name)
}

// diskName is a whole-disk name on the host's naming convention.
func diskName() string {
	if runtime.GOOS == "linux" {
		return "sdb"
	}
	return "da1"
}

// partName is the first partition of diskName.
func partName() string {
	if runtime.GOOS == "linux" {
		return "sdb1"
	}
	return "da1p1"
}
