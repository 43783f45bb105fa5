// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package devdctl

import (
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/stratastor/logger"
	"github.com/stratastor/zfsd/pkg/errors"
)

// Type is the one-character marker that starts every devd record.
type Type byte

const (
	Notify  Type = '!' // generic notification
	NoMatch Type = '?' // no driver attached to a device
	Attach  Type = '+' // device arrival
	Detach  Type = '-' // device removal
)

func (t Type) String() string {
	switch t {
	case Notify:
		return "Notify"
	case NoMatch:
		return "NoMatch"
	case Attach:
		return "Attach"
	case Detach:
		return "Detach"
	default:
		return fmt.Sprintf("Unknown(%q)", byte(t))
	}
}

const (
	whitespace    = " \t\n"
	keyDelimiters = "!" + whitespace

	// Attributes synthesized for attach and detach records.
	KeyDeviceName = "device-name"
	KeyParent     = "parent"

	KeySystem    = "system"
	KeyTimestamp = "timestamp"

	// SystemNone is the value given to records without a system key.
	SystemNone = "none"
)

// ParseErrorKind classifies why a record was rejected.
type ParseErrorKind int

const (
	InvalidFormat ParseErrorKind = iota
	DiscardedType
	UnknownType
)

func (k ParseErrorKind) String() string {
	switch k {
	case InvalidFormat:
		return "invalid format"
	case DiscardedType:
		return "discarded event type"
	case UnknownType:
		return "unknown event type"
	default:
		return "unknown parse error"
	}
}

// ParseError reports a record the parser refused.
type ParseError struct {
	Kind   ParseErrorKind
	Record string
	Offset int
}

func (e *ParseError) Error() string {
	if e.Kind == InvalidFormat {
		return fmt.Sprintf("%s at offset %d: %q", e.Kind, e.Offset, e.Record)
	}
	return fmt.Sprintf("%s: %q", e.Kind, e.Record)
}

// Code maps the kind onto the shared error code space.
func (e *ParseError) Code() errors.ErrorCode {
	switch e.Kind {
	case DiscardedType:
		return errors.DevdEventDiscarded
	case UnknownType:
		return errors.DevdEventUnknownType
	default:
		return errors.DevdEventInvalid
	}
}

// Log reports the error at a severity matching how actionable it is.
// Discarded types are expected traffic.
func (e *ParseError) Log(l logger.Logger) {
	switch e.Kind {
	case DiscardedType:
		l.Debug("discarding event", "type", e.Kind.String(), "record", strings.TrimSpace(e.Record))
	default:
		l.Error("failed to parse event",
			"error", e.Kind.String(),
			"offset", e.Offset,
			"record", strings.TrimSpace(e.Record))
	}
}

// Event is one parsed devd record. It owns its attribute map.
type Event struct {
	typ   Type
	attrs map[string]string
	raw   string
}

// NewEvent builds an event from already-parsed parts. The map is copied.
func NewEvent(typ Type, attrs map[string]string, raw string) *Event {
	return &Event{
		typ:   typ,
		attrs: maps.Clone(attrs),
		raw:   raw,
	}
}

// Parse turns one record into an Event. Records of type NoMatch yield a
// DiscardedType error which callers are expected to drop quietly.
func Parse(record string) (*Event, error) {
	if record == "" {
		return nil, &ParseError{Kind: InvalidFormat, Record: record}
	}

	typ := Type(record[0])
	attrs := make(map[string]string)

	switch typ {
	case Attach, Detach:
		if err := parseDeviceClause(record, attrs); err != nil {
			return nil, err
		}
	case Notify:
	case NoMatch:
		return nil, &ParseError{Kind: DiscardedType, Record: record}
	default:
		return nil, &ParseError{Kind: UnknownType, Record: record}
	}

	if err := parsePairs(record, attrs); err != nil {
		return nil, err
	}

	if _, ok := attrs[KeySystem]; !ok {
		attrs[KeySystem] = SystemNone
	}

	return &Event{typ: typ, attrs: attrs, raw: record}, nil
}

// parseDeviceClause handles "<type><device> <pnpinfo> on <parent>". The
// missing-parent and trailing-garbage cases are both InvalidFormat.
func parseDeviceClause(record string, attrs map[string]string) error {
	start := 1
	end := strings.IndexAny(record[start:], whitespace)
	if end <= 0 {
		return &ParseError{Kind: InvalidFormat, Record: record, Offset: start}
	}
	end += start
	attrs[KeyDeviceName] = record[start:end]

	on := strings.Index(record[end:], " on ")
	if on < 0 {
		return &ParseError{Kind: InvalidFormat, Record: record, Offset: end}
	}
	start = end + on + len(" on ")

	end = strings.IndexAny(record[start:], whitespace)
	if end < 0 {
		end = len(record)
	} else {
		end += start
	}
	if end == start {
		return &ParseError{Kind: InvalidFormat, Record: record, Offset: start}
	}
	attrs[KeyParent] = record[start:end]

	if strings.TrimLeft(record[end:], whitespace) != "" {
		return &ParseError{Kind: InvalidFormat, Record: record, Offset: end}
	}
	return nil
}

// parsePairs collects every key=value pair. Keys run backwards from '='
// to whitespace or '!'; values run forward to whitespace. The last
// occurrence of a key wins.
func parsePairs(record string, attrs map[string]string) error {
	for start := 1; start < len(record); {
		eq := strings.IndexByte(record[start:], '=')
		if eq < 0 {
			break
		}
		eq += start

		keyStart := strings.LastIndexAny(record[:eq], keyDelimiters)
		if keyStart < 0 {
			return &ParseError{Kind: InvalidFormat, Record: record, Offset: eq}
		}
		key := record[keyStart+1 : eq]

		valStart := eq + 1
		if valStart >= len(record) {
			return &ParseError{Kind: InvalidFormat, Record: record, Offset: eq}
		}
		valEnd := strings.IndexAny(record[valStart:], whitespace)
		if valEnd < 0 {
			valEnd = len(record)
		} else {
			valEnd += valStart
		}

		attrs[key] = record[valStart:valEnd]
		start = valEnd + 1
	}
	return nil
}

// Type returns the record marker.
func (e *Event) Type() Type {
	return e.typ
}

// Value returns the attribute for key, or "" when absent.
func (e *Event) Value(key string) string {
	return e.attrs[key]
}

// Contains reports whether key was present in the record.
func (e *Event) Contains(key string) bool {
	_, ok := e.attrs[key]
	return ok
}

// Raw returns the verbatim record, terminator included.
func (e *Event) Raw() string {
	return e.raw
}

// Attributes returns a copy of the attribute map.
func (e *Event) Attributes() map[string]string {
	return maps.Clone(e.attrs)
}

// Timestamp returns the time stamped onto the record when it was read,
// or the zero time.
func (e *Event) Timestamp() time.Time {
	secs, err := strconv.ParseInt(e.attrs[KeyTimestamp], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

// DeepCopy returns an event with an independent attribute map.
func (e *Event) DeepCopy() *Event {
	return NewEvent(e.typ, e.attrs, e.raw)
}

// String renders the type and attributes in key order.
func (e *Event) String() string {
	keys := make([]string, 0, len(e.attrs))
	for k := range e.attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(e.typ.String())
	b.WriteString(":")
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, e.attrs[k])
	}
	return b.String()
}
