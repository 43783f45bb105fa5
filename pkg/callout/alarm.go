// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package callout

import "time"

// Alarm is a process-wide one-shot timer. When it expires the notify
// function given to its constructor runs on a dedicated goroutine.
type Alarm interface {
	// Set programs the alarm to fire once after d. A zero d disarms it.
	Set(d time.Duration) error

	// Remaining reports the time left before the alarm fires, zero when
	// disarmed or already expired.
	Remaining() time.Duration

	// Close disarms the alarm and releases its resources.
	Close() error
}
