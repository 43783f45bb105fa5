// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package callout

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stratastor/logger"
	"github.com/stratastor/zfsd/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAlarm never advances on its own; tests drive expiry explicitly.
type fakeAlarm struct {
	current time.Duration
	sets    []time.Duration
	err     error
}

func (a *fakeAlarm) Set(d time.Duration) error {
	if a.err != nil {
		return a.err
	}
	a.current = d
	a.sets = append(a.sets, d)
	return nil
}

func (a *fakeAlarm) Remaining() time.Duration { return a.current }
func (a *fakeAlarm) Close() error              { return a.Set(0) }

func newTestQueue(t *testing.T) (*Queue, *fakeAlarm) {
	t.Helper()
	l, err := logger.NewTag(logger.Config{LogLevel: "debug"}, "test")
	require.NoError(t, err)
	a := &fakeAlarm{}
	return NewQueue(l, a), a
}

// fire simulates the OS timer expiring and the event loop noticing.
func fire(q *Queue, a *fakeAlarm) {
	a.current = 0
	q.AlarmFired()
	q.ExpireCallouts()
}

func assertDeadlines(t *testing.T, q *Queue, want map[*Callout]time.Duration) {
	t.Helper()
	require.Equal(t, len(want), q.Len())
	var sum time.Duration
	for _, c := range q.active {
		sum += c.interval
		assert.Equal(t, want[c], sum)
		assert.Equal(t, want[c], c.TimeRemaining())
	}
}

func TestReset(t *testing.T) {
	t.Run("ZeroIntervalRejected", func(t *testing.T) {
		q, _ := newTestQueue(t)
		c := q.NewCallout()
		_, err := c.Reset(0, func(any) {}, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.CalloutZeroInterval))
		assert.False(t, c.IsPending())
	})

	t.Run("HeadProgramsAlarm", func(t *testing.T) {
		q, a := newTestQueue(t)
		c1, c2, c3 := q.NewCallout(), q.NewCallout(), q.NewCallout()

		_, err := c1.Reset(10*time.Second, nil, nil)
		require.NoError(t, err)
		_, err = c2.Reset(20*time.Second, nil, nil)
		require.NoError(t, err)
		_, err = c3.Reset(5*time.Second, nil, nil)
		require.NoError(t, err)

		// c2 was not inserted at the head, so only two programs happened.
		assert.Equal(t, []time.Duration{10 * time.Second, 5 * time.Second}, a.sets)
		assertDeadlines(t, q, map[*Callout]time.Duration{
			c3: 5 * time.Second,
			c1: 10 * time.Second,
			c2: 20 * time.Second,
		})
	})

	t.Run("ReportsPreviouslyPending", func(t *testing.T) {
		q, _ := newTestQueue(t)
		c := q.NewCallout()

		was, err := c.Reset(time.Second, nil, nil)
		require.NoError(t, err)
		assert.False(t, was)

		was, err = c.Reset(2*time.Second, nil, nil)
		require.NoError(t, err)
		assert.True(t, was)
		assert.Equal(t, 1, q.Len())
		assert.Equal(t, 2*time.Second, c.TimeRemaining())
	})

	t.Run("EqualIntervalsBatch", func(t *testing.T) {
		q, _ := newTestQueue(t)
		c1, c2 := q.NewCallout(), q.NewCallout()
		_, _ = c1.Reset(3*time.Second, nil, nil)
		_, _ = c2.Reset(3*time.Second, nil, nil)

		assertDeadlines(t, q, map[*Callout]time.Duration{
			c1: 3 * time.Second,
			c2: 3 * time.Second,
		})
		// The newer entry goes ahead of an equal deadline.
		assert.Same(t, c2, q.active[0])
		assert.Equal(t, time.Duration(0), q.active[1].interval)
	})

	t.Run("EqualDeadlineBehindHead", func(t *testing.T) {
		q, a := newTestQueue(t)
		c1, c2, c3 := q.NewCallout(), q.NewCallout(), q.NewCallout()
		_, _ = c1.Reset(2*time.Second, nil, nil)
		_, _ = c2.Reset(6*time.Second, nil, nil)
		a.current = time.Second

		_, _ = c3.Reset(5*time.Second, nil, nil)
		assert.Equal(t, []*Callout{c1, c3, c2}, q.active)
		assertDeadlines(t, q, map[*Callout]time.Duration{
			c1: time.Second,
			c3: 5 * time.Second,
			c2: 5 * time.Second,
		})
	})

	t.Run("AlarmFailureLeavesNothingPending", func(t *testing.T) {
		q, a := newTestQueue(t)
		c1, c2 := q.NewCallout(), q.NewCallout()
		_, err := c1.Reset(10*time.Second, nil, nil)
		require.NoError(t, err)

		a.err = errors.New(errors.CalloutAlarmFailed, "setitimer failed")
		_, err = c2.Reset(time.Second, nil, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.CalloutAlarmFailed))
		assert.False(t, c2.IsPending())
		assert.Equal(t, []*Callout{c1}, q.active)

		a.err = nil
		_, err = c2.Reset(time.Second, nil, nil)
		require.NoError(t, err)
		assert.True(t, c2.IsPending())
		assert.Equal(t, time.Second, a.current)
	})
}

func TestStop(t *testing.T) {
	t.Run("IdleCallout", func(t *testing.T) {
		q, _ := newTestQueue(t)
		assert.False(t, q.NewCallout().Stop())
	})

	t.Run("MiddleEntryGivesIntervalToFollower", func(t *testing.T) {
		q, a := newTestQueue(t)
		c1, c2, c3 := q.NewCallout(), q.NewCallout(), q.NewCallout()
		_, _ = c1.Reset(1*time.Second, nil, nil)
		_, _ = c2.Reset(4*time.Second, nil, nil)
		_, _ = c3.Reset(9*time.Second, nil, nil)
		programs := len(a.sets)

		assert.True(t, c2.Stop())
		assert.False(t, c2.IsPending())
		assert.Equal(t, programs, len(a.sets), "non-head cancel must not reprogram")
		assertDeadlines(t, q, map[*Callout]time.Duration{
			c1: 1 * time.Second,
			c3: 9 * time.Second,
		})
	})

	t.Run("HeadReprogramsAlarm", func(t *testing.T) {
		q, a := newTestQueue(t)
		c1, c2 := q.NewCallout(), q.NewCallout()
		_, _ = c1.Reset(2*time.Second, nil, nil)
		_, _ = c2.Reset(7*time.Second, nil, nil)

		assert.True(t, c1.Stop())
		assert.Equal(t, 7*time.Second, a.current)
		assertDeadlines(t, q, map[*Callout]time.Duration{c2: 7 * time.Second})

		assert.True(t, c2.Stop())
		assert.Equal(t, time.Duration(0), a.current)
		assert.Equal(t, 0, q.Len())
	})
}

func TestSumInvariant(t *testing.T) {
	q, _ := newTestQueue(t)
	rng := rand.New(rand.NewSource(42))

	callouts := make([]*Callout, 16)
	for i := range callouts {
		callouts[i] = q.NewCallout()
	}
	want := make(map[*Callout]time.Duration)

	for step := 0; step < 500; step++ {
		c := callouts[rng.Intn(len(callouts))]
		if rng.Intn(3) == 0 {
			c.Stop()
			delete(want, c)
		} else {
			d := time.Duration(1+rng.Intn(30)) * time.Second
			_, err := c.Reset(d, nil, nil)
			require.NoError(t, err)
			want[c] = d
		}
		assertDeadlines(t, q, want)
	}
}

func TestExpireCallouts(t *testing.T) {
	t.Run("NoAlarmNoWork", func(t *testing.T) {
		q, _ := newTestQueue(t)
		ran := false
		c := q.NewCallout()
		_, _ = c.Reset(time.Second, func(any) { ran = true }, nil)

		q.ExpireCallouts()
		assert.False(t, ran)
		assert.True(t, c.IsPending())
	})

	t.Run("HeadAndZeroIntervalFollowers", func(t *testing.T) {
		q, a := newTestQueue(t)
		var order []string
		record := func(arg any) { order = append(order, arg.(string)) }

		c1, c2, c3 := q.NewCallout(), q.NewCallout(), q.NewCallout()
		_, _ = c1.Reset(5*time.Second, record, "first")
		_, _ = c2.Reset(5*time.Second, record, "second")
		_, _ = c3.Reset(8*time.Second, record, "third")

		fire(q, a)
		assert.Equal(t, []string{"second", "first"}, order)
		assert.False(t, c1.IsPending())
		assert.False(t, c2.IsPending())
		assert.True(t, c3.IsPending())
		assert.Equal(t, 3*time.Second, a.current)

		fire(q, a)
		assert.Equal(t, []string{"second", "first", "third"}, order)
		assert.Equal(t, 0, q.Len())
	})

	t.Run("LostRace", func(t *testing.T) {
		q, a := newTestQueue(t)
		c := q.NewCallout()
		_, _ = c.Reset(time.Second, func(any) { t.Fatal("cancelled callout ran") }, nil)
		c.Stop()

		assert.NotPanics(t, func() { fire(q, a) })
	})

	t.Run("StaleAlarmAfterHeadCancel", func(t *testing.T) {
		q, _ := newTestQueue(t)
		ran := false
		c1, c2 := q.NewCallout(), q.NewCallout()
		_, _ = c1.Reset(time.Second, nil, nil)
		_, _ = c2.Reset(4*time.Second, func(any) { ran = true }, nil)
		c1.Stop()

		// The signal for c1 was already queued; the alarm now holds c2.
		q.AlarmFired()
		q.ExpireCallouts()
		assert.False(t, ran)
		assert.True(t, c2.IsPending())
	})

	t.Run("CallbackRearms", func(t *testing.T) {
		q, a := newTestQueue(t)
		count := 0
		c := q.NewCallout()
		var rearm Func
		rearm = func(any) {
			count++
			if count < 3 {
				_, err := c.Reset(time.Second, rearm, nil)
				require.NoError(t, err)
			}
		}
		_, _ = c.Reset(time.Second, rearm, nil)

		for i := 0; i < 3; i++ {
			fire(q, a)
		}
		assert.Equal(t, 3, count)
		assert.False(t, c.IsPending())
	})
}
