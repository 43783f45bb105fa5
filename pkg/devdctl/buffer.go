// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package devdctl

import (
	"bytes"
	stderrors "errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/stratastor/logger"
	"github.com/stratastor/zfsd/pkg/errors"
)

const (
	// MaxEventSize bounds a single record, terminator included.
	MaxEventSize = 8192

	startTokens = "!?+-"
	endToken    = '\n'
)

// ErrWouldBlock is returned by a Source that has no bytes ready.
var ErrWouldBlock = stderrors.New("devdctl: read would block")

// EventBuffer recovers newline terminated records from a byte stream that
// may deliver them in arbitrary pieces.
type EventBuffer struct {
	logger logger.Logger
	src    io.Reader

	buf []byte

	// buf[next:valid] holds unconsumed bytes. scanned counts how much of
	// the candidate record at next was already searched for a terminator.
	valid   int
	next    int
	scanned int

	resyncs uint64

	// now stamps notify records; replaceable in tests.
	now func() time.Time
}

// NewEventBuffer reads records from src. src should return ErrWouldBlock
// when it has nothing to offer and io.EOF once the peer is gone.
func NewEventBuffer(l logger.Logger, src io.Reader) *EventBuffer {
	return &EventBuffer{
		logger: l,
		src:    src,
		buf:    make([]byte, MaxEventSize+1),
		now:    time.Now,
	}
}

// Resyncs reports how often garbage had to be skipped to find a record.
func (b *EventBuffer) Resyncs() uint64 {
	return b.resyncs
}

// Buffered reports the number of unconsumed bytes held.
func (b *EventBuffer) Buffered() int {
	return b.valid - b.next
}

// ExtractEvent returns the next complete record. ok is false when no full
// record is available yet; the caller should wait for the source to become
// readable and try again. A non-nil error means the stream is unusable.
func (b *EventBuffer) ExtractEvent() (record string, ok bool, err error) {
	for {
		if record, ok = b.scan(); ok {
			return record, true, nil
		}
		more, err := b.fill()
		if err != nil {
			return "", false, err
		}
		if !more {
			return "", false, nil
		}
	}
}

// Discard drops everything buffered, read or not.
func (b *EventBuffer) Discard() {
	b.valid, b.next, b.scanned = 0, 0, 0
}

func (b *EventBuffer) scan() (string, bool) {
	for b.next < b.valid {
		data := b.buf[b.next:b.valid]

		if strings.IndexByte(startTokens, data[0]) < 0 {
			skip := bytes.IndexAny(data, startTokens)
			if skip < 0 {
				skip = len(data)
			}
			b.resyncs++
			b.logger.Warn("event stream out of sync, skipping bytes",
				"skipped", skip,
				"resyncs", b.resyncs)
			b.next += skip
			b.scanned = 0
			continue
		}

		// The start token is never a terminator.
		from := max(b.scanned, 1)
		idx := bytes.IndexByte(data[from:], endToken)
		if idx < 0 {
			b.scanned = len(data)
			if len(data) < MaxEventSize {
				return "", false
			}
			record := truncate(string(data))
			b.logger.Warn("event record exceeds maximum size, truncating",
				"max_size", MaxEventSize,
				"record", strings.TrimSpace(record))
			b.next += len(data)
			b.scanned = 0
			return record, true
		}

		end := from + idx + 1
		record := string(data[:end])
		b.next += end
		b.scanned = 0
		return b.stamp(record), true
	}
	return "", false
}

// fill compacts the buffer and performs at most one read. It reports
// whether new bytes arrived.
func (b *EventBuffer) fill() (bool, error) {
	if b.next > 0 {
		n := copy(b.buf, b.buf[b.next:b.valid])
		b.valid = n
		b.next = 0
	}
	if b.valid >= MaxEventSize {
		return false, nil
	}

	n, err := b.src.Read(b.buf[b.valid:MaxEventSize])
	if n > 0 {
		b.valid += n
	}
	if err != nil {
		if n > 0 {
			// Hand out what arrived; the error resurfaces on the next read.
			return true, nil
		}
		switch {
		case stderrors.Is(err, ErrWouldBlock):
			return false, nil
		case stderrors.Is(err, io.EOF):
			return false, errors.New(errors.DevdConnectionClosed, "peer closed the event socket")
		default:
			return false, errors.Wrap(err, errors.DevdReadFailed)
		}
	}
	return n > 0, nil
}

// stamp appends the observation time to notify records lacking one.
func (b *EventBuffer) stamp(record string) string {
	if Type(record[0]) != Notify || strings.Contains(record, " "+KeyTimestamp+"=") {
		return record
	}
	body := strings.TrimRight(record, "\n")
	return body + " " + KeyTimestamp + "=" + strconv.FormatInt(b.now().Unix(), 10) + record[len(body):]
}

// truncate cuts an unterminated record at its last whitespace so no
// partial key=value pair survives, and terminates it.
func truncate(record string) string {
	if cut := strings.LastIndexAny(record, " \t"); cut > 0 {
		record = record[:cut]
	}
	return record + "\n"
}
