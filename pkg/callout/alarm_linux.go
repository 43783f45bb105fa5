// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package callout

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// itimerAlarm drives ITIMER_REAL and forwards SIGALRM to notify.
type itimerAlarm struct {
	sigs      chan os.Signal
	done      chan struct{}
	closeOnce sync.Once
}

// NewSystemAlarm returns the real-time interval timer. notify runs for
// every SIGALRM and must only do signal-safe work: set a flag, wake the
// event loop.
func NewSystemAlarm(notify func()) (Alarm, error) {
	a := &itimerAlarm{
		sigs: make(chan os.Signal, 1),
		done: make(chan struct{}),
	}
	signal.Notify(a.sigs, syscall.SIGALRM)

	go func() {
		for {
			select {
			case <-a.sigs:
				notify()
			case <-a.done:
				return
			}
		}
	}()

	return a, nil
}

func (a *itimerAlarm) Set(d time.Duration) error {
	var it unix.Itimerval
	if d > 0 {
		// A zero timeval would disarm the timer.
		if d < time.Microsecond {
			d = time.Microsecond
		}
		it.Value = unix.NsecToTimeval(d.Nanoseconds())
	}
	_, err := unix.Setitimer(unix.ItimerReal, it)
	return err
}

func (a *itimerAlarm) Remaining() time.Duration {
	it, err := unix.Getitimer(unix.ItimerReal)
	if err != nil {
		return 0
	}
	return time.Duration(it.Value.Nano())
}

func (a *itimerAlarm) Close() error {
	err := a.Set(0)
	a.closeOnce.Do(func() {
		signal.Stop(a.sigs)
		close(a.done)
	})
	return err
}
