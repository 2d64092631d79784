// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"fmt"
	"io"

	"github.com/gomlx/placement/pkg/core/arrays"
	"github.com/pkg/errors"
)

// ErrorKind classifies the errors returned by the dispatch engine.
type ErrorKind int

const (
	// InvalidArgument is returned for values that can't be placed, or requests that don't make sense.
	InvalidArgument ErrorKind = iota

	// UnsupportedPlacement is returned when no transfer path exists between the source and the target.
	UnsupportedPlacement

	// BackendCapabilityMissing is returned when the backend (or its configuration) lacks a required feature.
	BackendCapabilityMissing

	// DonationMisuse is returned when a donated value is used, or donated more than once.
	DonationMisuse

	// ConsistencyViolation is returned when processes disagree on a value that must be equal everywhere.
	ConsistencyViolation

	// NumericalError is returned by the debug checks when a NaN or Inf is found.
	NumericalError
)

var errorKindNames = []string{"InvalidArgument", "UnsupportedPlacement", "BackendCapabilityMissing",
	"DonationMisuse", "ConsistencyViolation", "NumericalError"}

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	if k < 0 || int(k) >= len(errorKindNames) {
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
	return errorKindNames[k]
}

// Error is the error type returned by the dispatch engine. Use KindOf or IsKind to inspect it.
type Error struct {
	Kind ErrorKind
	err  error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.err }

// Format implements fmt.Formatter: "%+v" includes the stack trace of the underlying error.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			_, _ = fmt.Fprintf(s, "%s: %+v", e.Kind, e.err)
			return
		}
		fallthrough
	case 's':
		_, _ = io.WriteString(s, e.Error())
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	}
}

func newError(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, err: errors.Errorf(format, args...)}
}

// wrapError wraps err with kind, unless it already carries a kind.
func wrapError(kind ErrorKind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var dErr *Error
	if errors.As(err, &dErr) {
		return errors.WithMessagef(err, format, args...)
	}
	if errors.Is(err, arrays.ErrDonated) {
		kind = DonationMisuse
	}
	return &Error{Kind: kind, err: errors.WithMessagef(err, format, args...)}
}

// KindOf returns the kind of err, and whether it has one.
//
// Errors wrapping arrays.ErrDonated are DonationMisuse, and errors wrapping arrays.ErrUnsupportedValue
// are InvalidArgument.
func KindOf(err error) (ErrorKind, bool) {
	var dErr *Error
	switch {
	case errors.As(err, &dErr):
		return dErr.Kind, true
	case errors.Is(err, arrays.ErrDonated):
		return DonationMisuse, true
	case errors.Is(err, arrays.ErrUnsupportedValue):
		return InvalidArgument, true
	}
	return 0, false
}

// IsKind returns whether err is of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
