// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package callout

import (
	"sync"
	"time"
)

// runtimeAlarm emulates the interval timer with the Go runtime's timers on
// platforms where setitimer is not exposed by x/sys/unix.
type runtimeAlarm struct {
	mu       sync.Mutex
	notify   func()
	timer    *time.Timer
	deadline time.Time
}

// NewSystemAlarm returns a one-shot alarm that calls notify on expiry.
func NewSystemAlarm(notify func()) (Alarm, error) {
	return &runtimeAlarm{notify: notify}, nil
}

func (a *runtimeAlarm) Set(d time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.deadline = time.Time{}
	if d <= 0 {
		return nil
	}
	a.deadline = time.Now().Add(d)
	a.timer = time.AfterFunc(d, a.notify)
	return nil
}

func (a *runtimeAlarm) Remaining() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.deadline.IsZero() {
		return 0
	}
	if left := time.Until(a.deadline); left > 0 {
		return left
	}
	return 0
}

func (a *runtimeAlarm) Close() error {
	return a.Set(0)
}
