// internal/store/errors.go
package store

import (
	"context"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Kind separates storage failures worth retrying from the rest.
type Kind int

const (
	// Fatal: corruption, disk full, schema mismatch. The caller skips the unit of work.
	Fatal Kind = iota
	// Transient: lock contention or a per-call timeout. The caller may retry.
	Transient
)

func (k Kind) String() string {
	if k == Transient {
		return "transient"
	}
	return "fatal"
}

// Error is returned by every Store operation that fails.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a store error that may succeed on retry.
func IsTransient(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == Transient
}

// wrap classifies err. nil stays nil.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: classify(err), Err: err}
}

func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		// extended result codes keep the primary code in the low byte
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return Transient
		}
	}
	return Fatal
}
