// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package zfsd

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/stratastor/zfsd/pkg/callout"
	"github.com/stratastor/zfsd/pkg/devdctl"
	"github.com/stratastor/zfsd/pkg/errors"
)

var caseFileNameRe = regexp.MustCompile(`^pool_([0-9]+)_vdev_([0-9]+)\.case$`)

// CaseFileName returns the persisted file name for a pool/vdev pair.
func CaseFileName(pool, vdev Guid) string {
	return fmt.Sprintf("pool_%d_vdev_%d.case", uint64(pool), uint64(vdev))
}

// ParseCaseFileName is the inverse of CaseFileName.
func ParseCaseFileName(name string) (pool, vdev Guid, err error) {
	m := caseFileNameRe.FindStringSubmatch(name)
	if m == nil {
		return InvalidGuid, InvalidGuid, errors.New(errors.CaseFileNameInvalid, name)
	}
	p, perr := strconv.ParseUint(m[1], 10, 64)
	v, verr := strconv.ParseUint(m[2], 10, 64)
	if perr != nil || verr != nil || p == 0 || v == 0 {
		return InvalidGuid, InvalidGuid, errors.New(errors.CaseFileNameInvalid, name)
	}
	return Guid(p), Guid(v), nil
}

// CaseFile tracks one vdev believed to be unhealthy. It is owned by the
// Daemon and only touched from the daemon's loop.
type CaseFile struct {
	d *Daemon

	id       uuid.UUID
	poolGUID Guid
	vdevGUID Guid
	poolName string
	state    VdevState
	physPath string

	// events are confirmed and persisted; tentative events wait out the
	// grace period in memory.
	events    []*ZfsEvent
	tentative []*ZfsEvent

	timer *callout.Callout
}

func newCaseFile(d *Daemon, pool *Pool, vdev Vdev) *CaseFile {
	return &CaseFile{
		d:        d,
		id:       uuid.New(),
		poolGUID: vdev.PoolGUID,
		vdevGUID: vdev.GUID,
		poolName: pool.Name,
		state:    vdev.State,
		physPath: vdev.PhysPath,
		timer:    d.callouts.NewCallout(),
	}
}

func (c *CaseFile) ID() string           { return c.id.String() }
func (c *CaseFile) PoolGUID() Guid       { return c.poolGUID }
func (c *CaseFile) VdevGUID() Guid       { return c.vdevGUID }
func (c *CaseFile) VdevState() VdevState { return c.state }
func (c *CaseFile) PhysicalPath() string { return c.physPath }
func (c *CaseFile) EventCount() int      { return len(c.events) }
func (c *CaseFile) TentativeCount() int  { return len(c.tentative) }
func (c *CaseFile) TimerPending() bool   { return c.timer.IsPending() }

func (c *CaseFile) logKV(kv ...any) []any {
	return append([]any{
		"case", c.id.String(),
		"pool", c.poolName,
		"pool_guid", c.poolGUID.String(),
		"vdev_guid", c.vdevGUID.String(),
	}, kv...)
}

// refresh reloads cached state from the live configuration. A nil pool
// with a nil error means the pool or vdev is gone.
func (c *CaseFile) refresh() (*Pool, Vdev, error) {
	pool, err := c.d.pools.PoolByGUID(c.d.ctx, c.poolGUID)
	if err != nil || pool == nil {
		return nil, Vdev{}, err
	}
	vdev, ok := pool.FindVdev(c.vdevGUID)
	if !ok {
		return nil, Vdev{}, nil
	}
	c.poolName = pool.Name
	c.state = vdev.State
	if vdev.PhysPath != "" {
		c.physPath = vdev.PhysPath
	}
	return pool, vdev, nil
}

// ReEvaluate applies a ZFS event to the case and reports whether the event
// was consumed by it.
func (c *CaseFile) ReEvaluate(ev *ZfsEvent) bool {
	l := c.d.logger
	pool, _, err := c.refresh()
	if err != nil {
		l.Error("failed to refresh vdev state", c.logKV("error", err)...)
		return false
	}
	if pool == nil {
		// The close, not the event, explains this transition.
		l.Info("vdev no longer in configuration, closing case", c.logKV()...)
		c.Close()
		return false
	}

	consumed := false
	switch {
	case ev.Value("type") == TypeVdevRemove:
		l.Info("vdev removed from pool, closing case", c.logKV()...)
		c.Close()
		return true

	case ev.Class() == ClassResourceRemoved:
		// Errors observed during a hot-unplug are artifacts of it.
		l.Info("vdev removed, discarding tentative events",
			c.logKV("tentative", len(c.tentative))...)
		c.tentative = nil
		c.d.RequestRescan()
		consumed = true

	case ev.Class() == ClassIOError || ev.Class() == ClassChecksum:
		l.Info("recording tentative fault event",
			c.logKV("class", ev.Class(), "tentative", len(c.tentative)+1)...)
		c.tentative = append(c.tentative, ev.DeepCopy())
		if !c.timer.IsPending() {
			c.registerCallout()
		}
		consumed = true
	}

	closed := c.closeIfSolved()
	return consumed || closed
}

// ReEvaluateByPath considers a newly arrived disk as the return or the
// replacement of this case's vdev. vdev is the label-derived identity of
// the new disk, or nil when matching by physical path.
func (c *CaseFile) ReEvaluateByPath(devPath, physPath string, vdev *Vdev) bool {
	l := c.d.logger
	pool, live, err := c.refresh()
	if err != nil {
		l.Error("failed to refresh vdev state", c.logKV("error", err)...)
		return false
	}
	if pool == nil {
		l.Info("vdev no longer in configuration, closing case", c.logKV()...)
		c.Close()
		return false
	}

	if c.state > VdevStateCantOpen {
		// Not a missing device; spare handling would go here.
		l.Debug("vdev not missing, ignoring arrival",
			c.logKV("dev_path", devPath, "state", c.state.String())...)
		return false
	}

	if vdev != nil && vdev.PoolGUID == c.poolGUID && vdev.GUID == c.vdevGUID {
		state, err := c.d.corrector.Online(c.d.ctx, pool, live)
		if err != nil {
			l.Error("failed to online vdev", c.logKV("dev_path", devPath, "error", err)...)
		} else {
			c.state = state
			c.d.record(c, ActionOnlined, devPath)
			l.Info("onlined vdev", c.logKV("dev_path", devPath, "state", state.String())...)
		}
		c.closeIfSolved()
		return true
	}

	if !pool.AutoReplace {
		l.Info("autoreplace not set, ignoring device insertion",
			c.logKV("dev_path", devPath)...)
		return false
	}
	if c.physPath == "" {
		l.Info("no physical path information, ignoring device insertion",
			c.logKV("dev_path", devPath)...)
		return false
	}
	if physPath != c.physPath {
		l.Info("physical path mismatch, ignoring device insertion",
			c.logKV("dev_path", devPath, "phys_path", physPath, "expected", c.physPath)...)
		return false
	}

	if err := c.d.corrector.LabelDisk(c.d.ctx, pool, devPath); err != nil {
		l.Error("failed to label replacement disk",
			c.logKV("dev_path", devPath, "error", err)...)
		return true
	}

	spec := ReplacementSpec{
		Type:      "disk",
		Path:      devPath,
		PhysPath:  physPath,
		WholeDisk: true,
	}
	if err := c.d.corrector.Replace(c.d.ctx, pool, live, spec); err != nil {
		l.Error("failed to replace vdev by physical path",
			c.logKV("dev_path", devPath, "error", err)...)
		return true
	}
	c.d.record(c, ActionReplaced, devPath)
	l.Info("replacing vdev by physical path",
		c.logKV("dev_path", devPath, "phys_path", physPath)...)
	return true
}

// closeIfSolved closes a case that has nothing left to track and drops
// stale persisted history otherwise.
func (c *CaseFile) closeIfSolved() bool {
	if len(c.events) != 0 || len(c.tentative) != 0 {
		return false
	}
	if c.state > VdevStateCantOpen && c.state <= VdevStateHealthy {
		c.d.logger.Info("case resolved, closing", c.logKV("state", c.state.String())...)
		c.Close()
		return true
	}
	c.serialize()
	return false
}

func (c *CaseFile) registerCallout() {
	if _, err := c.timer.Reset(c.d.opts.GracePeriod, onGracePeriodEnded, c); err != nil {
		c.d.logger.Error("failed to arm grace period timer", c.logKV("error", err)...)
	}
}

func onGracePeriodEnded(arg any) {
	arg.(*CaseFile).gracePeriodEnded()
}

func (c *CaseFile) gracePeriodEnded() {
	l := c.d.logger
	c.events = append(c.events, c.tentative...)
	c.tentative = nil

	if len(c.events) >= c.d.opts.DegradeThreshold {
		pool, live, err := c.refresh()
		switch {
		case err != nil:
			l.Error("failed to refresh vdev state", c.logKV("error", err)...)
		case pool == nil:
			l.Info("vdev no longer in configuration, closing case", c.logKV()...)
			c.Close()
			return
		default:
			err := c.d.corrector.Degrade(c.d.ctx, pool, live, AuxErrExceeded)
			if err == nil {
				c.d.record(c, ActionDegraded, fmt.Sprintf("%d events", len(c.events)))
				l.Warn("degraded vdev", c.logKV("events", len(c.events))...)
				c.Close()
				return
			}
			l.Error("failed to degrade vdev", c.logKV("error", err)...)
		}
	}
	c.serialize()
}

// Close retires the case. The persisted record goes with it.
func (c *CaseFile) Close() {
	c.events = nil
	c.tentative = nil
	c.serialize()
	c.timer.Stop()
	c.d.removeCase(c)
	delete(c.d.journalled, caseKey{pool: c.poolGUID, vdev: c.vdevGUID})
	c.d.record(c, ActionClosed, c.state.String())
}

func (c *CaseFile) path() string {
	return filepath.Join(c.d.opts.CaseDir, CaseFileName(c.poolGUID, c.vdevGUID))
}

// serialize writes the confirmed events, or removes the file when there
// are none.
func (c *CaseFile) serialize() {
	if err := c.writeFile(); err != nil {
		c.d.logger.Error("failed to serialize case file", c.logKV("error", err)...)
	}
}

func (c *CaseFile) writeFile() error {
	path := c.path()
	if len(c.events) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, errors.CaseSerializeFailed).
				WithMetadata("path", path)
		}
		return nil
	}

	var buf bytes.Buffer
	for _, ev := range c.events {
		buf.WriteString(ev.Raw())
	}

	if err := os.MkdirAll(c.d.opts.CaseDir, 0755); err != nil {
		return errors.Wrap(err, errors.CaseDirFailed).
			WithMetadata("path", c.d.opts.CaseDir)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return errors.Wrap(err, errors.CaseSerializeFailed).
			WithMetadata("path", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, errors.CaseSerializeFailed).
			WithMetadata("path", path)
	}
	return nil
}

// readCaseRecords parses a persisted case file into ZFS events.
func readCaseRecords(path string) ([]*ZfsEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CaseDeserializeFailed).
			WithMetadata("path", path)
	}

	var events []*ZfsEvent
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, devdctl.MaxEventSize), devdctl.MaxEventSize+1)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		parsed, err := devdctl.Parse(line + "\n")
		if err != nil {
			return nil, errors.Wrap(err, errors.CaseDeserializeFailed).
				WithMetadata("path", path)
		}
		zev, ok := Classify(parsed).(*ZfsEvent)
		if !ok {
			return nil, errors.New(errors.CaseDeserializeFailed, "record is not a ZFS event").
				WithMetadata("path", path).
				WithMetadata("record", line)
		}
		events = append(events, zev)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CaseDeserializeFailed).
			WithMetadata("path", path)
	}
	return events, nil
}

// caseSummary is the status dump view of a case.
type caseSummary struct {
	ID        string
	Pool      string
	PoolGUID  Guid
	VdevGUID  Guid
	State     VdevState
	PhysPath  string
	Events    int
	Tentative int
	Remaining time.Duration
}

func (c *CaseFile) summary() caseSummary {
	s := caseSummary{
		ID:        c.id.String(),
		Pool:      c.poolName,
		PoolGUID:  c.poolGUID,
		VdevGUID:  c.vdevGUID,
		State:     c.state,
		PhysPath:  c.physPath,
		Events:    len(c.events),
		Tentative: len(c.tentative),
	}
	if c.timer.IsPending() {
		s.Remaining = c.timer.TimeRemaining()
	}
	return s
}
