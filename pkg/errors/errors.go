// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the coded error type shared by every zfsd package.
//
// Errors carry a numeric code, the domain that raised them and free-form
// metadata that ends up in structured log lines:
//
//	return errors.Wrap(err, errors.ZpoolCommandFailed).
//	    WithMetadata("pool", name)
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"sort"
	"strings"
)

// ErrorCode represents unique error identifiers
type ErrorCode int

// Domain represents the subsystem where the error originated
type Domain string

type ZfsdError struct {
	Code    ErrorCode `json:"code"`
	Domain  Domain    `json:"domain"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`

	// Metadata holds context that does not fit the fixed fields, e.g. the
	// command line that failed or the GUID pair of a case.
	Metadata map[string]string `json:"metadata,omitempty"`

	cause error
}

// New creates an error for code with additional details.
func New(code ErrorCode, details string) *ZfsdError {
	def, ok := errorDefinitions[code]
	if !ok {
		return &ZfsdError{
			Code:    code,
			Domain:  DomainMisc,
			Message: "Unknown error",
			Details: details,
		}
	}
	return &ZfsdError{
		Code:    code,
		Domain:  def.domain,
		Message: def.message,
		Details: details,
	}
}

// Wrap wraps err with code. Wrapping a nil error returns nil. Wrapping a
// ZfsdError keeps its metadata and records the original as the cause.
func Wrap(err error, code ErrorCode) *ZfsdError {
	if err == nil {
		return nil
	}

	e := New(code, err.Error())
	e.cause = err

	var ze *ZfsdError
	if stderrors.As(err, &ze) && len(ze.Metadata) > 0 {
		e.Metadata = make(map[string]string, len(ze.Metadata))
		maps.Copy(e.Metadata, ze.Metadata)
	}
	return e
}

// WithMetadata attaches a key/value pair and returns the receiver.
func (e *ZfsdError) WithMetadata(key, value string) *ZfsdError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

func (e *ZfsdError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s-%d] %s", e.Domain, e.Code, e.Message)
	if e.Details != "" {
		b.WriteString(" - ")
		b.WriteString(e.Details)
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Metadata[k])
		}
		b.WriteString(")")
	}
	return b.String()
}

func (e *ZfsdError) Unwrap() error {
	return e.cause
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var ze *ZfsdError
		if !stderrors.As(err, &ze) {
			return false
		}
		if ze.Code == code {
			return true
		}
		err = ze.cause
	}
	return false
}

// GetCode returns the outermost code in err's chain, or 0.
func GetCode(err error) ErrorCode {
	var ze *ZfsdError
	if stderrors.As(err, &ze) {
		return ze.Code
	}
	return 0
}

// As is errors.As from the standard library, re-exported so callers that
// import this package under the name "errors" keep access to it.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}
