// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package zfsd

import (
	"regexp"
	"runtime"
	"strings"

	"github.com/stratastor/zfsd/pkg/devdctl"
)

// Values of the devd "system" key zfsd cares about.
const (
	SystemZFS   = "ZFS"
	SystemDEVFS = "DEVFS"
)

// ZFS event types and classes.
const (
	poolEventPrefix = "misc.fs.zfs."

	TypeConfigSync  = "misc.fs.zfs.config_sync"
	TypeVdevRemove  = "misc.fs.zfs.vdev_remove"
	TypePoolDestroy = "misc.fs.zfs.pool_destroy"

	ClassResourceRemoved = "resource.fs.zfs.removed"
	ClassIOError         = "ereport.fs.zfs.io"
	ClassChecksum        = "ereport.fs.zfs.checksum"
	ClassNoReplicas      = "fs.zfs.vdev.no_replicas"
)

// Event is either a *DevfsEvent or a *ZfsEvent.
type Event interface {
	Base() *devdctl.Event
	isEvent()
}

// DevfsEvent reports a device node appearing or disappearing.
type DevfsEvent struct {
	*devdctl.Event
}

// ZfsEvent is a notification from the ZFS kernel module.
type ZfsEvent struct {
	*devdctl.Event
}

func (e *DevfsEvent) Base() *devdctl.Event { return e.Event }
func (e *ZfsEvent) Base() *devdctl.Event   { return e.Event }

func (*DevfsEvent) isEvent() {}
func (*ZfsEvent) isEvent()   {}

// Classify picks the variant for a parsed record. Records outside the
// modelled subset yield nil.
func Classify(ev *devdctl.Event) Event {
	switch system := ev.Value(devdctl.KeySystem); {
	case ev.Type() == devdctl.Notify && system == SystemZFS:
		return &ZfsEvent{Event: ev}
	case system == SystemDEVFS:
		switch ev.Type() {
		case devdctl.Notify, devdctl.Attach, devdctl.Detach:
			return &DevfsEvent{Event: ev}
		}
	}
	return nil
}

// DeepCopy returns an event with an independent attribute map.
func (e *ZfsEvent) DeepCopy() *ZfsEvent {
	return &ZfsEvent{Event: e.Event.DeepCopy()}
}

// PoolGUID is InvalidGuid when the event names no pool.
func (e *ZfsEvent) PoolGUID() Guid {
	return ParseGuid(e.Value("pool_guid"))
}

// VdevGUID is InvalidGuid when the event names no vdev.
func (e *ZfsEvent) VdevGUID() Guid {
	return ParseGuid(e.Value("vdev_guid"))
}

// Class returns the event class, falling back to its type.
func (e *ZfsEvent) Class() string {
	if e.Contains("class") {
		return e.Value("class")
	}
	return e.Value("type")
}

// IsPoolEvent reports events about pool configuration rather than a
// single vdev.
func (e *ZfsEvent) IsPoolEvent() bool {
	return strings.HasPrefix(e.Value("type"), poolEventPrefix) ||
		strings.HasPrefix(e.Value("subsystem"), poolEventPrefix)
}

// diskNaming matches device names that denote disks and whole disks.
type diskNaming struct {
	disk  *regexp.Regexp
	whole *regexp.Regexp
}

var (
	// da0, ada1p2, nvd0s1a, optionally below a directory.
	bsdNaming = diskNaming{
		disk:  regexp.MustCompile(`^([a-z]+/)?[a-z]+[0-9]+((p|s)[0-9]+[a-h]?)?$`),
		whole: regexp.MustCompile(`^([a-z]+/)?[a-z]+[0-9]+$`),
	}

	// sda, vdb3, xvdc, nvme0n1p2.
	linuxNaming = diskNaming{
		disk:  regexp.MustCompile(`^((sd|vd|xvd)[a-z]+[0-9]*|nvme[0-9]+n[0-9]+(p[0-9]+)?)$`),
		whole: regexp.MustCompile(`^((sd|vd|xvd)[a-z]+|nvme[0-9]+n[0-9]+)$`),
	}
)

func namingFor(goos string) diskNaming {
	if goos == "linux" {
		return linuxNaming
	}
	return bsdNaming
}

var hostNaming = namingFor(runtime.GOOS)

// IsDiskDev reports whether name follows the host's disk naming
// convention.
func IsDiskDev(name string) bool {
	return hostNaming.disk.MatchString(name)
}

// IsWholeDisk reports whether name refers to a whole disk rather than a
// partition or slice.
func IsWholeDisk(name string) bool {
	return hostNaming.whole.MatchString(name)
}
