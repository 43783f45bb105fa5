// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package zfsd

import (
	"fmt"
	"testing"

	"github.com/stratastor/logger"
	"github.com/stratastor/zfsd/internal/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDaemon(t *testing.T) {
	l, err := logger.NewTag(logger.Config{LogLevel: "debug"}, "test")
	require.NoError(t, err)

	t.Run("MissingCollaborators", func(t *testing.T) {
		_, err := NewDaemon(l, Options{}, Deps{Alarm: &fakeAlarm{}})
		assert.Error(t, err)
	})

	t.Run("Defaults", func(t *testing.T) {
		h := newHarness(t)
		opts := h.d.Options()
		assert.Equal(t, constants.DevdSocketPath, opts.SocketPath)
		assert.Equal(t, constants.DefaultGracePeriod, opts.GracePeriod)
		assert.Equal(t, constants.DefaultDegradeThreshold, opts.DegradeThreshold)
		assert.Equal(t, constants.DefaultReconnectDelay, opts.ReconnectDelay)
	})
}

func TestChecksumThenRemoval(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 3; i++ {
		h.d.ProcessRecord(zfsRecord(ClassChecksum, tankGUID, vdevGUID))
	}

	require.Len(t, h.d.Cases(), 1)
	c := h.d.FindCase(tankGUID, vdevGUID)
	require.NotNil(t, c)
	assert.Equal(t, 3, c.TentativeCount())
	assert.Zero(t, c.EventCount())
	assert.True(t, c.TimerPending())
	assert.Equal(t, 1, h.d.callouts.Len())
	assert.False(t, h.d.rescanRequested.Load())

	// The hot-unplug that caused the errors is reported next.
	h.pools.setState(tankGUID, vdevGUID, VdevStateRemoved)
	h.d.ProcessRecord(zfsRecord(ClassResourceRemoved, tankGUID, vdevGUID))

	assert.Same(t, c, h.d.FindCase(tankGUID, vdevGUID))
	assert.Zero(t, c.TentativeCount())
	assert.Zero(t, c.EventCount())
	assert.True(t, h.d.rescanRequested.Load())
	assert.Equal(t, VdevStateRemoved, c.VdevState())
}

func TestLabelledArrival(t *testing.T) {
	setup := func(t *testing.T) *harness {
		h := newHarness(t)
		h.pools.setState(tankGUID, vdevGUID, VdevStateRemoved)
		require.NoError(t, h.d.BuildCaseFiles())
		require.NotNil(t, h.d.FindCase(tankGUID, vdevGUID))

		h.prober.devices[diskName()] = fakeDevice{
			label:    &Label{PoolGUID: tankGUID, VdevGUID: vdevGUID, PoolName: "tank", InUse: true},
			physPath: "pci-0000:00:1f.2-ata-1",
		}
		return h
	}

	t.Run("OnlineClosesCase", func(t *testing.T) {
		h := setup(t)
		h.d.ProcessRecord(createRecord(diskName()))

		assert.Equal(t, []Guid{vdevGUID}, h.corrector.onlined)
		assert.Nil(t, h.d.FindCase(tankGUID, vdevGUID))
		assert.Equal(t, []string{ActionOpened, ActionOnlined, ActionClosed}, h.journal.actions())
		assert.Empty(t, h.corrector.replaced)
	})

	t.Run("OnlineFailureKeepsCase", func(t *testing.T) {
		h := setup(t)
		h.corrector.onlineErr = fmt.Errorf("device busy")
		h.d.ProcessRecord(createRecord(diskName()))

		assert.Equal(t, []Guid{vdevGUID}, h.corrector.onlined)
		c := h.d.FindCase(tankGUID, vdevGUID)
		require.NotNil(t, c)
		assert.Equal(t, VdevStateRemoved, c.VdevState())
	})

	t.Run("VdevNotMissing", func(t *testing.T) {
		h := setup(t)
		h.pools.setState(tankGUID, vdevGUID, VdevStateFaulted)
		c := h.d.FindCase(tankGUID, vdevGUID)

		assert.False(t, c.ReEvaluateByPath("/dev/"+diskName(), "", &Vdev{PoolGUID: tankGUID, GUID: vdevGUID}))
		assert.Empty(t, h.corrector.onlined)
	})

	t.Run("DegradedLabelIgnored", func(t *testing.T) {
		h := setup(t)
		h.prober.devices[diskName()] = fakeDevice{
			label:    &Label{PoolGUID: tankGUID, VdevGUID: 77, Degraded: true},
			physPath: "pci-0000:00:1f.2-ata-1",
		}
		h.pools.pools[tankGUID].AutoReplace = true
		h.d.ProcessRecord(createRecord(diskName()))

		assert.Empty(t, h.corrector.onlined)
		assert.Empty(t, h.corrector.labelled)
	})

	t.Run("NotADisk", func(t *testing.T) {
		h := setup(t)
		h.d.ProcessRecord(createRecord("pts/3"))
		h.d.ProcessRecord("!system=DEVFS subsystem=CDEV type=DESTROY cdev=" + diskName() + "\n")
		assert.Empty(t, h.prober.resolved)
	})
}

func TestPhysicalPathReplacement(t *testing.T) {
	const slot = "pci-0000:00:1f.2-ata-1"

	setup := func(t *testing.T, autoreplace bool, physPath string) *harness {
		h := newHarness(t)
		h.pools.setState(tankGUID, vdevGUID, VdevStateRemoved)
		h.pools.pools[tankGUID].AutoReplace = autoreplace
		require.NoError(t, h.d.BuildCaseFiles())
		h.prober.devices[diskName()] = fakeDevice{physPath: physPath}
		return h
	}

	t.Run("Replaces", func(t *testing.T) {
		h := setup(t, true, slot)
		h.d.ProcessRecord(createRecord(diskName()))

		assert.Equal(t, []string{"/dev/" + diskName()}, h.corrector.labelled)
		require.Len(t, h.corrector.replaced, 1)
		assert.Equal(t, ReplacementSpec{
			Type:      "disk",
			Path:      "/dev/" + diskName(),
			PhysPath:  slot,
			WholeDisk: true,
		}, h.corrector.replaced[0])
		assert.Contains(t, h.journal.actions(), ActionReplaced)
	})

	t.Run("LabelFailureStillConsumed", func(t *testing.T) {
		h := setup(t, true, slot)
		h.corrector.labelErr = fmt.Errorf("labelclear failed")
		c := h.d.FindCase(tankGUID, vdevGUID)

		assert.True(t, c.ReEvaluateByPath("/dev/"+diskName(), slot, nil))
		assert.Empty(t, h.corrector.replaced)
	})

	t.Run("AutoReplaceOff", func(t *testing.T) {
		h := setup(t, false, slot)
		h.d.ProcessRecord(createRecord(diskName()))
		assert.Empty(t, h.corrector.labelled)
	})

	t.Run("SlotMismatch", func(t *testing.T) {
		h := setup(t, true, "pci-0000:00:1f.2-ata-2")
		h.d.ProcessRecord(createRecord(diskName()))
		assert.Empty(t, h.corrector.labelled)
	})

	t.Run("AliasOfWholeDisk", func(t *testing.T) {
		h := setup(t, true, slot)
		h.prober.aliases = map[string]string{partName(): diskName()}
		h.d.ProcessRecord(createRecord(partName()))

		assert.Equal(t, []string{"/dev/" + diskName()}, h.corrector.labelled)
		require.Len(t, h.corrector.replaced, 1)
		assert.True(t, h.corrector.replaced[0].WholeDisk)
	})

	t.Run("AliasOfPartition", func(t *testing.T) {
		h := setup(t, true, slot)
		delete(h.prober.devices, diskName())
		h.prober.devices[partName()] = fakeDevice{physPath: slot}
		h.prober.aliases = map[string]string{diskName(): partName()}
		h.d.ProcessRecord(createRecord(diskName()))

		assert.Empty(t, h.corrector.labelled)
	})

	t.Run("CaseWithoutPhysPath", func(t *testing.T) {
		h := setup(t, true, slot)
		c := h.d.FindCase(tankGUID, vdevGUID)
		c.physPath = ""
		h.pools.pools[tankGUID].Vdevs[0].PhysPath = ""

		assert.False(t, c.ReEvaluateByPath("/dev/"+diskName(), slot, nil))
		assert.Empty(t, h.corrector.labelled)
	})
}

func TestUnconsumedEvents(t *testing.T) {
	const newPool Guid = 2000
	const newVdev Guid = 7

	t.Run("ReplayAfterConfigSync", func(t *testing.T) {
		h := newHarness(t)
		h.d.ProcessRecord(zfsRecord(ClassIOError, newPool, newVdev))
		h.d.ProcessRecord(zfsRecord(ClassChecksum, newPool, newVdev))
		assert.Equal(t, 2, h.d.UnconsumedCount())
		assert.Empty(t, h.d.Cases())

		h.pools.add(&Pool{Name: "scratch", GUID: newPool, Vdevs: []Vdev{{GUID: newVdev, State: VdevStateHealthy}}})
		h.d.ProcessRecord(poolRecord(TypeConfigSync, newPool, 0))

		assert.Zero(t, h.d.UnconsumedCount())
		c := h.d.FindCase(newPool, newVdev)
		require.NotNil(t, c)
		assert.Equal(t, 2, c.TentativeCount())
	})

	t.Run("VdevNotYetVisible", func(t *testing.T) {
		h := newHarness(t)
		h.d.ProcessRecord(zfsRecord(ClassIOError, tankGUID, 99))
		assert.Equal(t, 1, h.d.UnconsumedCount())
	})

	t.Run("StillMissingAfterReplayIsDropped", func(t *testing.T) {
		h := newHarness(t)
		h.d.ProcessRecord(zfsRecord(ClassIOError, newPool, newVdev))
		h.d.ProcessRecord(poolRecord(TypeConfigSync, tankGUID, 0))
		assert.Zero(t, h.d.UnconsumedCount())
	})

	t.Run("SaveRefusedDuringReplay", func(t *testing.T) {
		h := newHarness(t)
		h.d.replaying = true
		ev := &ZfsEvent{}
		assert.False(t, h.d.SaveEvent(ev))
		assert.Zero(t, h.d.UnconsumedCount())
	})

	t.Run("NoReplicasNeverQueued", func(t *testing.T) {
		h := newHarness(t)
		h.d.ProcessRecord(zfsRecord(ClassNoReplicas, newPool, newVdev))
		assert.Zero(t, h.d.UnconsumedCount())
		assert.Empty(t, h.d.Cases())
	})
}

func TestPoolEvents(t *testing.T) {
	t.Run("VdevRemoveClosesCase", func(t *testing.T) {
		h := newHarness(t)
		h.pools.setState(tankGUID, vdevGUID, VdevStateFaulted)
		require.NoError(t, h.d.BuildCaseFiles())

		h.d.ProcessRecord(poolRecord(TypeVdevRemove, tankGUID, vdevGUID))
		assert.Nil(t, h.d.FindCase(tankGUID, vdevGUID))
		assert.False(t, h.d.rescanRequested.Load())
	})

	t.Run("VdevRemoveOfHealthyVdevRescans", func(t *testing.T) {
		h := newHarness(t)
		h.d.ProcessRecord(poolRecord(TypeVdevRemove, tankGUID, vdevGUID))
		assert.True(t, h.d.rescanRequested.Load())
	})

	t.Run("PoolDestroyClosesAll", func(t *testing.T) {
		h := newHarness(t)
		h.pools.pools[tankGUID].Vdevs = append(h.pools.pools[tankGUID].Vdevs,
			Vdev{PoolGUID: tankGUID, GUID: 43, State: VdevStateRemoved})
		h.pools.setState(tankGUID, vdevGUID, VdevStateCantOpen)
		require.NoError(t, h.d.BuildCaseFiles())
		require.Len(t, h.d.Cases(), 2)

		h.d.ProcessRecord(poolRecord(TypePoolDestroy, tankGUID, 0))
		assert.Empty(t, h.d.Cases())
	})

	t.Run("ConfigSyncClosesRecoveredCases", func(t *testing.T) {
		h := newHarness(t)
		h.pools.setState(tankGUID, vdevGUID, VdevStateRemoved)
		require.NoError(t, h.d.BuildCaseFiles())
		require.NotNil(t, h.d.FindCase(tankGUID, vdevGUID))

		h.pools.setState(tankGUID, vdevGUID, VdevStateHealthy)
		h.d.ProcessRecord(poolRecord(TypeConfigSync, tankGUID, 0))
		assert.Nil(t, h.d.FindCase(tankGUID, vdevGUID))
	})
}

func TestRescanSystem(t *testing.T) {
	h := newHarness(t)
	h.enum.names = []string{diskName(), "null", "zero", "pts/1"}
	h.prober.devices[diskName()] = fakeDevice{}

	h.d.RescanSystem()
	assert.Equal(t, []string{diskName()}, h.prober.resolved)
}

func TestProcessRecordRejects(t *testing.T) {
	h := newHarness(t)
	for _, rec := range []string{
		"",
		"*unknown\n",
		"? at bus=0 on pci0\n",
		"!system=ZFS subsystem=ZFS\n",
		"!system=ZFS type=ereport.fs.zfs.io\n",
		"+da0 at bus=0 on pci0\n",
	} {
		h.d.ProcessRecord(rec)
	}
	assert.Empty(t, h.d.Cases())
	assert.Zero(t, h.d.UnconsumedCount())
}

func TestLogCaseFiles(t *testing.T) {
	h := newHarness(t)
	h.d.ProcessRecord(zfsRecord(ClassIOError, tankGUID, vdevGUID))

	s := h.d.FindCase(tankGUID, vdevGUID).summary()
	assert.Equal(t, "tank", s.Pool)
	assert.Equal(t, 1, s.Tentative)
	assert.Equal(t, h.d.opts.GracePeriod, s.Remaining)

	h.d.LogCaseFiles()
}

func TestRebuildJournalsOnce(t *testing.T) {
	h := newHarness(t)
	h.pools.setState(tankGUID, vdevGUID, VdevStateFaulted)
	require.NoError(t, h.d.BuildCaseFiles())
	id := h.d.FindCase(tankGUID, vdevGUID).ID()

	rebuild := func() {
		h.d.purgeCases()
		require.NoError(t, h.d.BuildCaseFiles())
		h.d.settleJournal()
	}

	// Still faulted after a reconnect: same case, nothing new journalled.
	rebuild()
	c := h.d.FindCase(tankGUID, vdevGUID)
	require.NotNil(t, c)
	assert.Equal(t, id, c.ID())
	assert.Equal(t, []string{ActionOpened}, h.journal.actions())

	// Healed while disconnected.
	h.pools.setState(tankGUID, vdevGUID, VdevStateHealthy)
	rebuild()
	assert.Nil(t, h.d.FindCase(tankGUID, vdevGUID))
	require.Equal(t, []string{ActionOpened, ActionClosed}, h.journal.actions())
	assert.Equal(t, id, h.journal.entries[1].CaseID)

	// Faulting again opens a fresh case.
	h.pools.setState(tankGUID, vdevGUID, VdevStateFaulted)
	rebuild()
	c = h.d.FindCase(tankGUID, vdevGUID)
	require.NotNil(t, c)
	assert.NotEqual(t, id, c.ID())
	assert.Equal(t, []string{ActionOpened, ActionClosed, ActionOpened}, h.journal.actions())
}
