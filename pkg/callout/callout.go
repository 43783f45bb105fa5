// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

// Package callout implements one-shot interval timers multiplexed onto a
// single OS alarm.
//
// Pending callouts are kept in a list sorted by deadline where each entry
// stores its interval relative to the entry ahead of it. Summing the
// intervals from the head up to an entry yields that entry's deadline, and
// only the head's interval is ever loaded into the alarm.
//
// All methods except AlarmFired must be called from the goroutine that runs
// the event loop. AlarmFired is the only entry point safe to call from the
// signal-forwarding goroutine: it sets a flag and nothing more. The loop
// later calls ExpireCallouts to run due callbacks.
package callout

import (
	"sync/atomic"
	"time"

	"github.com/stratastor/logger"
	"github.com/stratastor/zfsd/pkg/errors"
)

// Func is invoked with the argument registered alongside it.
type Func func(arg any)

// Callout is a single timer handle. The zero value is not usable; obtain
// one from Queue.NewCallout.
type Callout struct {
	queue    *Queue
	interval time.Duration
	fn       Func
	arg      any
	pending  bool
}

// Queue is the ordered list of pending callouts sharing one Alarm.
type Queue struct {
	logger logger.Logger
	alarm  Alarm
	active []*Callout

	// armed is true while the alarm holds the head's interval and has
	// not been observed to fire.
	armed bool
	fired atomic.Bool
}

// NewQueue creates an empty queue driven by alarm.
func NewQueue(l logger.Logger, alarm Alarm) *Queue {
	return &Queue{
		logger: l,
		alarm:  alarm,
	}
}

// NewCallout returns an idle timer handle bound to q.
func (q *Queue) NewCallout() *Callout {
	return &Callout{queue: q}
}

// AlarmFired records that the alarm expired. Signal-safe.
func (q *Queue) AlarmFired() {
	q.fired.Store(true)
}

// Len reports the number of pending callouts.
func (q *Queue) Len() int {
	return len(q.active)
}

// IsPending reports whether c is waiting to expire.
func (c *Callout) IsPending() bool {
	return c.pending
}

// Reset (re)arms c to call fn(arg) after interval. Any pending expiry of c
// is cancelled first; the return value reports whether one was.
func (c *Callout) Reset(interval time.Duration, fn Func, arg any) (bool, error) {
	if interval <= 0 {
		return false, errors.New(errors.CalloutZeroInterval, "callout interval must be positive").
			WithMetadata("interval", interval.String())
	}

	q := c.queue
	cancelled := c.Stop()

	c.interval = interval
	c.fn = fn
	c.arg = arg
	c.pending = true

	q.syncHead()

	idx := 0
	for ; idx < len(q.active); idx++ {
		cur := q.active[idx]
		if cur.interval >= c.interval {
			// cur now waits behind c, possibly with a zero delta.
			cur.interval -= c.interval
			break
		}
		c.interval -= cur.interval
	}

	q.active = append(q.active, nil)
	copy(q.active[idx+1:], q.active[idx:])
	q.active[idx] = c

	if idx == 0 {
		if err := q.program(c.interval); err != nil {
			// Unarmed, c would never expire.
			c.Stop()
			return cancelled, err
		}
	}
	return cancelled, nil
}

// Stop cancels c. It reports whether c was pending.
func (c *Callout) Stop() bool {
	if !c.pending {
		return false
	}

	q := c.queue
	idx := q.indexOf(c)
	if idx < 0 {
		c.pending = false
		return true
	}

	wasHead := idx == 0
	if wasHead {
		q.syncHead()
	}

	if idx+1 < len(q.active) {
		q.active[idx+1].interval += c.interval
	}
	q.active = append(q.active[:idx], q.active[idx+1:]...)
	c.pending = false

	if wasHead {
		next := time.Duration(0)
		if len(q.active) > 0 {
			next = q.active[0].interval
		}
		if err := q.program(next); err != nil {
			q.logger.Error("failed to reprogram interval timer", "error", err)
		}
	}
	return true
}

// TimeRemaining returns how long until c expires, or zero when idle.
func (c *Callout) TimeRemaining() time.Duration {
	if !c.pending {
		return 0
	}

	q := c.queue
	var total time.Duration
	for i, cur := range q.active {
		if i == 0 && q.armed {
			total += q.alarm.Remaining()
		} else {
			total += cur.interval
		}
		if cur == c {
			break
		}
	}
	return total
}

// ExpireCallouts runs every callout that is due once the alarm has fired:
// the head plus any followers with a zero interval. The alarm is then
// reprogrammed for the new head.
func (q *Queue) ExpireCallouts() {
	if !q.fired.Swap(false) {
		return
	}

	if len(q.active) == 0 {
		// Lost a race with Stop.
		q.armed = false
		return
	}

	if q.armed && q.alarm.Remaining() > 0 {
		// Alarm left over from a head that has since been cancelled.
		return
	}
	q.armed = false

	for {
		cur := q.active[0]
		q.active = q.active[1:]
		cur.pending = false
		cur.interval = 0
		if cur.fn != nil {
			cur.fn(cur.arg)
		}
		if len(q.active) == 0 || q.active[0].interval != 0 {
			break
		}
	}

	if len(q.active) > 0 && !q.armed {
		if err := q.program(q.active[0].interval); err != nil {
			q.logger.Error("failed to reprogram interval timer", "error", err)
		}
	}
}

// syncHead folds the time already elapsed on the alarm into the head's
// interval so that the head's delta is measured from now.
func (q *Queue) syncHead() {
	if !q.armed || len(q.active) == 0 {
		return
	}
	q.active[0].interval = q.alarm.Remaining()
}

func (q *Queue) program(d time.Duration) error {
	if err := q.alarm.Set(d); err != nil {
		q.armed = false
		return errors.Wrap(err, errors.CalloutAlarmFailed).
			WithMetadata("interval", d.String())
	}
	q.armed = d > 0
	return nil
}

func (q *Queue) indexOf(c *Callout) int {
	for i, cur := range q.active {
		if cur == c {
			return i
		}
	}
	return -1
}
