// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

// Package zfsd reconciles pool health with the devd event stream. It
// keeps a CaseFile per unhealthy vdev, times out soft errors through a
// grace period and takes corrective action once evidence accumulates.
//
// All state is owned by the Daemon and mutated only from its loop.
// Signals and the periodic scheduler merely set flags and wake the loop
// through a self-pipe.
package zfsd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/stratastor/logger"
	"github.com/stratastor/zfsd/internal/constants"
	"github.com/stratastor/zfsd/pkg/callout"
	"github.com/stratastor/zfsd/pkg/devdctl"
	"github.com/stratastor/zfsd/pkg/errors"
)

// Options are the tunables of a Daemon. Zero values take defaults.
type Options struct {
	SocketPath       string
	ReconnectDelay   time.Duration
	CaseDir          string
	GracePeriod      time.Duration
	DegradeThreshold int
	// RescanInterval enables a periodic rescan when positive.
	RescanInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.SocketPath == "" {
		o.SocketPath = constants.DevdSocketPath
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = constants.DefaultReconnectDelay
	}
	if o.CaseDir == "" {
		o.CaseDir = constants.CaseFileDir
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = constants.DefaultGracePeriod
	}
	if o.DegradeThreshold <= 0 {
		o.DegradeThreshold = constants.DefaultDegradeThreshold
	}
}

// Deps are the collaborators a Daemon acts through. Journal and Alarm
// are optional; a nil Alarm selects the system interval timer.
type Deps struct {
	Pools      PoolQuerier
	Corrector  Corrector
	Prober     DeviceProber
	Enumerator Enumerator
	Journal    Journal
	Alarm      callout.Alarm
}

type caseKey struct {
	pool, vdev Guid
}

// Daemon is the reconciliation engine.
type Daemon struct {
	logger logger.Logger
	opts   Options

	pools      PoolQuerier
	corrector  Corrector
	prober     DeviceProber
	enumerator Enumerator
	journal    Journal

	alarm    callout.Alarm
	callouts *callout.Queue

	// ctx is the context of the current Run; collaborator calls made from
	// timer callbacks use it too.
	ctx context.Context

	cases      []*CaseFile
	unconsumed []*ZfsEvent
	// journalled holds the ID of every case whose opening is in the
	// journal. A case rebuilt after a reconnect takes its old ID back.
	journalled map[caseKey]uuid.UUID
	replaying  bool

	conn   *devdctl.Conn
	buffer *devdctl.EventBuffer

	pipeR     int
	pipeW     atomic.Int32 // written to from other goroutines
	sigCh     chan os.Signal
	scheduler gocron.Scheduler

	// Set from signal and scheduler goroutines.
	terminateRequested atomic.Bool
	rescanRequested    atomic.Bool
	logCasesRequested  atomic.Bool
}

// NewDaemon wires a Daemon. Nothing is opened until Run.
func NewDaemon(l logger.Logger, opts Options, deps Deps) (*Daemon, error) {
	if deps.Pools == nil || deps.Corrector == nil || deps.Prober == nil || deps.Enumerator == nil {
		return nil, errors.New(errors.ConfigInvalid, "daemon requires pool, corrector, prober and enumerator collaborators")
	}
	opts.setDefaults()

	d := &Daemon{
		logger:     l,
		opts:       opts,
		pools:      deps.Pools,
		corrector:  deps.Corrector,
		prober:     deps.Prober,
		enumerator: deps.Enumerator,
		journal:    deps.Journal,
		ctx:        context.Background(),
		journalled: make(map[caseKey]uuid.UUID),
		pipeR:      -1,
	}
	d.pipeW.Store(-1)

	alarm := deps.Alarm
	if alarm == nil {
		var err error
		alarm, err = callout.NewSystemAlarm(func() {
			d.callouts.AlarmFired()
			d.wake()
		})
		if err != nil {
			return nil, err
		}
	}
	d.alarm = alarm
	d.callouts = callout.NewQueue(l, alarm)
	return d, nil
}

// Options returns the effective options.
func (d *Daemon) Options() Options {
	return d.opts
}

// FindCase returns the case for a pool/vdev pair, or nil.
func (d *Daemon) FindCase(pool, vdev Guid) *CaseFile {
	for _, c := range d.cases {
		if c.poolGUID == pool && c.vdevGUID == vdev {
			return c
		}
	}
	return nil
}

// FindCaseByPhysPath returns the case whose vdev lives at physPath, or nil.
func (d *Daemon) FindCaseByPhysPath(physPath string) *CaseFile {
	if physPath == "" {
		return nil
	}
	for _, c := range d.cases {
		if c.physPath == physPath {
			return c
		}
	}
	return nil
}

// CreateCase returns the existing case for vdev or opens a new one.
func (d *Daemon) CreateCase(pool *Pool, vdev Vdev) *CaseFile {
	if c := d.FindCase(vdev.PoolGUID, vdev.GUID); c != nil {
		return c
	}
	c := newCaseFile(d, pool, vdev)
	d.cases = append(d.cases, c)

	key := caseKey{pool: vdev.PoolGUID, vdev: vdev.GUID}
	if id, ok := d.journalled[key]; ok {
		c.id = id
		d.logger.Debug("rebuilt case file", c.logKV("state", vdev.State.String())...)
		return c
	}
	d.journalled[key] = c.id
	d.logger.Info("opened case file", c.logKV("state", vdev.State.String())...)
	d.record(c, ActionOpened, vdev.State.String())
	return c
}

// settleJournal journals the closing of cases that were open before a
// rebuild and did not come back.
func (d *Daemon) settleJournal() {
	for key, id := range d.journalled {
		if d.FindCase(key.pool, key.vdev) != nil {
			continue
		}
		delete(d.journalled, key)
		d.logger.Info("case no longer needed after rebuild",
			"case", id.String(),
			"pool_guid", key.pool.String(),
			"vdev_guid", key.vdev.String())
		d.recordEntry(JournalEntry{
			CaseID:   id.String(),
			PoolGUID: key.pool,
			VdevGUID: key.vdev,
			Action:   ActionClosed,
			Detail:   "resolved while disconnected",
		})
	}
}

// Cases returns a snapshot of the open cases.
func (d *Daemon) Cases() []*CaseFile {
	return slices.Clone(d.cases)
}

func (d *Daemon) casesOfPool(pool Guid) []*CaseFile {
	var out []*CaseFile
	for _, c := range d.cases {
		if c.poolGUID == pool {
			out = append(out, c)
		}
	}
	return out
}

func (d *Daemon) removeCase(c *CaseFile) {
	if i := slices.Index(d.cases, c); i >= 0 {
		d.cases = slices.Delete(d.cases, i, i+1)
	}
}

// purgeCases forgets every case without touching persisted records.
func (d *Daemon) purgeCases() {
	for _, c := range d.cases {
		c.timer.Stop()
	}
	d.cases = nil
}

func (d *Daemon) record(c *CaseFile, action, detail string) {
	d.recordEntry(JournalEntry{
		CaseID:   c.id.String(),
		PoolGUID: c.poolGUID,
		VdevGUID: c.vdevGUID,
		Action:   action,
		Detail:   detail,
	})
}

func (d *Daemon) recordEntry(entry JournalEntry) {
	if d.journal == nil {
		return
	}
	entry.Time = time.Now()
	if err := d.journal.Record(d.ctx, entry); err != nil {
		d.logger.Warn("failed to journal case transition",
			"case", entry.CaseID,
			"action", entry.Action,
			"error", err)
	}
}

// ProcessRecord parses one devd record and acts on it.
func (d *Daemon) ProcessRecord(record string) {
	parsed, err := devdctl.Parse(record)
	if err != nil {
		var pe *devdctl.ParseError
		if errors.As(err, &pe) {
			pe.Log(d.logger)
		} else {
			d.logger.Error("failed to parse event", "error", err)
		}
		return
	}

	switch ev := Classify(parsed).(type) {
	case *ZfsEvent:
		d.processZfsEvent(ev)
	case *DevfsEvent:
		d.processDevfsEvent(ev)
	default:
		d.logger.Debug("ignoring event", "event", parsed.String())
	}
}

func (d *Daemon) processZfsEvent(ev *ZfsEvent) {
	l := d.logger
	if !ev.Contains("class") && !ev.Contains("type") {
		l.Error("ZFS event without class or type", "event", ev.String())
		return
	}

	if ev.Value("type") == TypeConfigSync {
		d.ReplayUnconsumedEvents()
	}

	if ev.IsPoolEvent() {
		d.processPoolEvent(ev)
		return
	}

	poolGUID, vdevGUID := ev.PoolGUID(), ev.VdevGUID()
	if !poolGUID.IsValid() || !vdevGUID.IsValid() {
		l.Debug("ZFS event not scoped to a vdev", "event", ev.String())
		return
	}

	if c := d.FindCase(poolGUID, vdevGUID); c != nil {
		c.ReEvaluate(ev)
		return
	}

	if ev.Class() == ClassNoReplicas {
		l.Error("pool has no remaining replicas, nothing to diagnose",
			"pool_guid", poolGUID.String(),
			"vdev_guid", vdevGUID.String())
		return
	}

	pool, err := d.pools.PoolByGUID(d.ctx, poolGUID)
	if err != nil {
		l.Error("failed to look up pool", "pool_guid", poolGUID.String(), "error", err)
	}
	if pool == nil {
		l.Info("event references a pool not yet visible",
			"pool_guid", poolGUID.String(),
			"class", ev.Class())
		d.saveOrDrop(ev)
		return
	}
	vdev, ok := pool.FindVdev(vdevGUID)
	if !ok {
		l.Info("event references a vdev not yet visible",
			"pool", pool.Name,
			"vdev_guid", vdevGUID.String(),
			"class", ev.Class())
		d.saveOrDrop(ev)
		return
	}

	c := d.CreateCase(pool, vdev)
	if !c.ReEvaluate(ev) {
		d.saveOrDrop(ev)
	}
}

func (d *Daemon) processPoolEvent(ev *ZfsEvent) {
	poolGUID, vdevGUID := ev.PoolGUID(), ev.VdevGUID()
	typ := ev.Value("type")

	degraded := false
	evaluated := d.FindCase(poolGUID, vdevGUID)
	if evaluated != nil {
		if evaluated.state != VdevStateUnknown && evaluated.state < VdevStateHealthy {
			degraded = true
		}
		evaluated.ReEvaluate(ev)
	}

	switch typ {
	case TypeConfigSync:
		// The configuration changed under every case of the pool.
		for _, c := range d.casesOfPool(poolGUID) {
			if c != evaluated {
				c.ReEvaluate(ev)
			}
		}
	case TypePoolDestroy:
		for _, c := range d.casesOfPool(poolGUID) {
			d.logger.Info("pool destroyed, closing case", c.logKV()...)
			c.Close()
		}
	case TypeVdevRemove:
		if !degraded {
			d.RequestRescan()
		}
	}
}

func (d *Daemon) processDevfsEvent(ev *DevfsEvent) {
	l := d.logger
	if ev.Value("type") != "CREATE" {
		return
	}
	name := ev.Value("cdev")
	if !IsDiskDev(name) {
		return
	}

	devPath, err := d.prober.Resolve(name)
	if err != nil {
		l.Debug("failed to open device", "cdev", name, "error", err)
		return
	}

	label, err := d.prober.ReadLabel(devPath)
	if err != nil {
		l.Debug("failed to read device label", "dev_path", devPath, "error", err)
		label = nil
	}
	physPath, err := d.prober.PhysicalPath(devPath)
	if err != nil {
		l.Debug("no physical path for device", "dev_path", devPath, "error", err)
		physPath = ""
	}

	switch {
	case label != nil && label.InUse:
		c := d.FindCase(label.PoolGUID, label.VdevGUID)
		if c == nil {
			l.Debug("labelled device has no open case",
				"dev_path", devPath,
				"pool_guid", label.PoolGUID.String(),
				"vdev_guid", label.VdevGUID.String())
			return
		}
		c.ReEvaluateByPath(devPath, physPath, &Vdev{
			PoolGUID: label.PoolGUID,
			GUID:     label.VdevGUID,
			Path:     devPath,
			PhysPath: physPath,
		})

	case label != nil && label.Degraded:
		l.Info("device is marked degraded, ignoring as a replacement candidate",
			"dev_path", devPath)

	case physPath != "" && IsWholeDisk(strings.TrimPrefix(devPath, "/dev/")):
		if c := d.FindCaseByPhysPath(physPath); c != nil {
			c.ReEvaluateByPath(devPath, physPath, nil)
		}
	}
}

// SaveEvent queues ev for replay after the next configuration sync. It
// refuses while a replay is running.
func (d *Daemon) SaveEvent(ev *ZfsEvent) bool {
	if d.replaying {
		return false
	}
	d.unconsumed = append(d.unconsumed, ev.DeepCopy())
	return true
}

func (d *Daemon) saveOrDrop(ev *ZfsEvent) {
	if !d.SaveEvent(ev) {
		d.logger.Debug("dropping unconsumed event during replay", "event", ev.String())
	}
}

// ReplayUnconsumedEvents processes every queued event once, in arrival
// order, and empties the queue.
func (d *Daemon) ReplayUnconsumedEvents() {
	if d.replaying || len(d.unconsumed) == 0 {
		return
	}
	d.replaying = true
	defer func() { d.replaying = false }()

	queue := d.unconsumed
	d.unconsumed = nil
	d.logger.Info("replaying unconsumed events", "count", len(queue))
	for _, ev := range queue {
		d.processZfsEvent(ev)
	}
}

// UnconsumedCount reports how many events wait for replay.
func (d *Daemon) UnconsumedCount() int {
	return len(d.unconsumed)
}

// BuildCaseFiles opens a case for every leaf vdev that is not healthy.
func (d *Daemon) BuildCaseFiles() error {
	pools, err := d.pools.Pools(d.ctx)
	if err != nil {
		return err
	}
	for _, pool := range pools {
		for _, vdev := range pool.Vdevs {
			if vdev.State != VdevStateHealthy {
				d.CreateCase(pool, vdev)
			}
		}
	}
	return nil
}

// DeserializeCaseFiles restores cases from the case directory, deleting
// records that are stale or unreadable.
func (d *Daemon) DeserializeCaseFiles() error {
	entries, err := os.ReadDir(d.opts.CaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, errors.CaseDirFailed).
			WithMetadata("path", d.opts.CaseDir)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		poolGUID, vdevGUID, err := ParseCaseFileName(entry.Name())
		if err != nil {
			continue
		}
		d.deserializeFile(filepath.Join(d.opts.CaseDir, entry.Name()), poolGUID, vdevGUID)
	}
	return nil
}

func (d *Daemon) deserializeFile(path string, poolGUID, vdevGUID Guid) {
	l := d.logger
	remove := func(reason string) {
		l.Info("removing case file", "path", path, "reason", reason)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			l.Error("failed to remove case file", "path", path, "error", err)
		}
	}

	c := d.FindCase(poolGUID, vdevGUID)
	created := false
	if c == nil {
		pool, err := d.pools.PoolByGUID(d.ctx, poolGUID)
		if err != nil {
			// Keep the record; the pool may be back on the next pass.
			l.Error("failed to look up pool for case file", "path", path, "error", err)
			return
		}
		if pool == nil {
			remove("pool no longer exists")
			return
		}
		vdev, ok := pool.FindVdev(vdevGUID)
		if !ok {
			remove("vdev no longer exists")
			return
		}
		c = d.CreateCase(pool, vdev)
		created = true
	} else if c.state > VdevStateCantOpen {
		remove("vdev already online or degraded")
		return
	}

	events, err := readCaseRecords(path)
	if err != nil {
		l.Error("failed to deserialize case file", "path", path, "error", err)
		if created {
			d.removeCase(c)
			c.timer.Stop()
		}
		remove("unreadable")
		return
	}
	c.events = append(c.events, events...)
	l.Info("restored case file", c.logKV("events", len(events))...)
}

// RescanSystem synthesizes a device creation event for every present
// device node, recovering arrivals missed while not listening.
func (d *Daemon) RescanSystem() {
	names, err := d.enumerator.Devices(d.ctx)
	if err != nil {
		d.logger.Error("failed to enumerate devices for rescan", "error", err)
		return
	}
	d.logger.Debug("rescanning devices", "count", len(names))
	for _, name := range names {
		d.ProcessRecord(fmt.Sprintf("!system=%s subsystem=CDEV type=CREATE cdev=%s\n", SystemDEVFS, name))
	}
}

// LogCaseFiles reports every open case.
func (d *Daemon) LogCaseFiles() {
	d.logger.Info("case file status",
		"cases", len(d.cases),
		"unconsumed_events", len(d.unconsumed),
		"pending_callouts", d.callouts.Len())
	for _, c := range d.cases {
		s := c.summary()
		d.logger.Info("case file",
			"case", s.ID,
			"pool", s.Pool,
			"pool_guid", s.PoolGUID.String(),
			"vdev_guid", s.VdevGUID.String(),
			"state", s.State.String(),
			"phys_path", s.PhysPath,
			"events", s.Events,
			"tentative", s.Tentative,
			"grace_remaining", s.Remaining.String())
	}
}
