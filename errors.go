// errors.go: Error taxonomy of the appender engine
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mneme

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every error returned by the package wraps one of these,
// so callers can classify failures with errors.Is.
var (
	// ErrConfiguration is returned by New when the configuration cannot be used.
	ErrConfiguration = errors.New("mneme: invalid configuration")

	// ErrMalformedPattern is returned for file name templates that cannot be parsed
	// or bound. It also matches ErrConfiguration.
	ErrMalformedPattern = &patternError{}

	// ErrIO reports open, write, flush or close failures on the active file.
	ErrIO = errors.New("mneme: i/o failure")

	// ErrRollover reports an aborted rollover. The engine keeps writing to a valid file.
	ErrRollover = errors.New("mneme: rollover failed")

	// ErrNotWritten is joined to Append errors when the record did not reach
	// the file. An Append error without it means the record was written.
	ErrNotWritten = errors.New("mneme: record not written")

	// ErrCompression is non-fatal: the uncompressed archive is kept.
	ErrCompression = errors.New("mneme: compression failed")

	// ErrRetention is non-fatal: some archives could not be pruned.
	ErrRetention = errors.New("mneme: retention failed")

	// ErrNotStarted is returned by Append before Start.
	ErrNotStarted = errors.New("mneme: appender not started")

	// ErrStopped is returned by Append and Rotate after Stop.
	ErrStopped = errors.New("mneme: appender stopped")

	// ErrForcedShutdown is returned by Stop when the timeout elapsed before
	// in-flight rollover work finished.
	ErrForcedShutdown = errors.New("mneme: forced shutdown")
)

// patternError is the sentinel type behind ErrMalformedPattern.
type patternError struct{}

func (*patternError) Error() string { return "mneme: malformed pattern" }

// Is makes ErrMalformedPattern match ErrConfiguration as well.
func (*patternError) Is(target error) bool {
	return target == ErrConfiguration
}

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func patternErrorf(pattern string, format string, args ...any) error {
	return fmt.Errorf("%w %q: %s", ErrMalformedPattern, pattern, fmt.Sprintf(format, args...))
}
