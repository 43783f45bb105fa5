// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package zfsd

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Guid identifies a pool or vdev. Zero means "no value".
type Guid uint64

// InvalidGuid is the "no value" sentinel.
const InvalidGuid Guid = 0

// ParseGuid accepts decimal, octal or hex notation. Anything unparsable
// yields InvalidGuid.
func ParseGuid(s string) Guid {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return InvalidGuid
	}
	return Guid(v)
}

func (g Guid) IsValid() bool {
	return g != InvalidGuid
}

func (g Guid) String() string {
	if !g.IsValid() {
		return "none"
	}
	return strconv.FormatUint(uint64(g), 10)
}

// VdevState mirrors the ZFS vdev_state_t ordering; comparisons between
// states are meaningful.
type VdevState int

const (
	VdevStateUnknown VdevState = iota
	VdevStateClosed
	VdevStateOffline
	VdevStateRemoved
	VdevStateCantOpen
	VdevStateFaulted
	VdevStateDegraded
	VdevStateHealthy
)

var vdevStateNames = map[VdevState]string{
	VdevStateUnknown:  "UNKNOWN",
	VdevStateClosed:   "CLOSED",
	VdevStateOffline:  "OFFLINE",
	VdevStateRemoved:  "REMOVED",
	VdevStateCantOpen: "UNAVAIL",
	VdevStateFaulted:  "FAULTED",
	VdevStateDegraded: "DEGRADED",
	VdevStateHealthy:  "ONLINE",
}

func (s VdevState) String() string {
	if name, ok := vdevStateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseVdevState maps the state names printed by zpool(8) onto VdevState.
func ParseVdevState(name string) VdevState {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "ONLINE", "HEALTHY":
		return VdevStateHealthy
	case "DEGRADED":
		return VdevStateDegraded
	case "FAULTED":
		return VdevStateFaulted
	case "UNAVAIL", "CANT_OPEN":
		return VdevStateCantOpen
	case "REMOVED":
		return VdevStateRemoved
	case "OFFLINE":
		return VdevStateOffline
	case "CLOSED":
		return VdevStateClosed
	default:
		return VdevStateUnknown
	}
}

// VdevAux is the reason recorded when a vdev is forced into a bad state.
type VdevAux string

const (
	// AuxErrExceeded marks a vdev degraded for too many errors.
	AuxErrExceeded VdevAux = "ERR_EXCEEDED"
)

// Vdev is one leaf vdev of a pool as seen in the live configuration.
type Vdev struct {
	PoolGUID Guid
	GUID     Guid
	State    VdevState
	PhysPath string
	Path     string
}

// Pool is a snapshot of one imported pool and its leaf vdevs.
type Pool struct {
	Name        string
	GUID        Guid
	AutoReplace bool
	Vdevs       []Vdev
}

// FindVdev looks up a leaf vdev by GUID.
func (p *Pool) FindVdev(guid Guid) (Vdev, bool) {
	for _, v := range p.Vdevs {
		if v.GUID == guid {
			return v, true
		}
	}
	return Vdev{}, false
}

// PoolQuerier answers questions about the live pool configuration.
type PoolQuerier interface {
	// Pools lists every imported pool.
	Pools(ctx context.Context) ([]*Pool, error)
	// PoolByGUID returns nil and no error when the pool is not imported.
	PoolByGUID(ctx context.Context, guid Guid) (*Pool, error)
}

// ReplacementSpec describes the disk that should take a vdev's place.
type ReplacementSpec struct {
	Type      string
	Path      string
	PhysPath  string
	WholeDisk bool
}

// Corrector performs corrective actions against pools.
type Corrector interface {
	// Online brings vdev online, clearing removed and spare flags, and
	// returns its resulting state.
	Online(ctx context.Context, pool *Pool, vdev Vdev) (VdevState, error)
	Degrade(ctx context.Context, pool *Pool, vdev Vdev, aux VdevAux) error
	LabelDisk(ctx context.Context, pool *Pool, devPath string) error
	Replace(ctx context.Context, pool *Pool, vdev Vdev, spec ReplacementSpec) error
}

// Label is what a device's on-disk pool label says about it.
type Label struct {
	PoolGUID Guid
	VdevGUID Guid
	PoolName string
	// InUse is set when the pool the label names is active or exported.
	InUse bool
	// Degraded is set when the label marks this member as unhealthy.
	Degraded bool
}

// DeviceProber inspects device nodes.
type DeviceProber interface {
	// Resolve opens the named node and returns its canonical path.
	Resolve(name string) (string, error)
	// ReadLabel returns nil and no error when the device carries no label.
	ReadLabel(devPath string) (*Label, error)
	PhysicalPath(devPath string) (string, error)
}

// Enumerator lists the device nodes currently present, by name relative
// to /dev.
type Enumerator interface {
	Devices(ctx context.Context) ([]string, error)
}

// Journal actions.
const (
	ActionOpened   = "opened"
	ActionClosed   = "closed"
	ActionDegraded = "degraded"
	ActionOnlined  = "onlined"
	ActionReplaced = "replaced"
)

// JournalEntry is one case-file transition worth keeping.
type JournalEntry struct {
	CaseID   string
	PoolGUID Guid
	VdevGUID Guid
	Action   string
	Detail   string
	Time     time.Time
}

// Journal records case-file history.
type Journal interface {
	Record(ctx context.Context, entry JournalEntry) error
}
