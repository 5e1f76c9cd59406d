// Package herrors defines the error kinds shared by the sketch manager and
// the protocol layer, so that a manager failure maps to a wire reply without
// either side needing to know the other's vocabulary.
package herrors

import (
	"errors"
	"fmt"
)

// Kind classifies a manager-level failure. See spec §7.
type Kind int

const (
	// KindNotFound means no active wrapper exists for the requested name.
	KindNotFound Kind = iota
	// KindExists means an active wrapper already occupies the name.
	KindExists
	// KindDeletePending means the name is shadowed by a delete not yet
	// reclaimed by the vacuum.
	KindDeletePending
	// KindNotProxied means a clear was attempted on a still-resident sketch.
	KindNotProxied
	// KindBadArguments means the caller supplied invalid input.
	KindBadArguments
	// KindInternal means an allocation, I/O, or mapping failure occurred.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindExists:
		return "exists"
	case KindDeletePending:
		return "delete_pending"
	case KindNotProxied:
		return "not_proxied"
	case KindBadArguments:
		return "bad_arguments"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error wraps a cause with a Kind the protocol layer can switch on, while
// keeping the cause available for logging via errors.Unwrap.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}

	return fmt.Sprintf("%s: %v", e.Kind.String(), e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports target as matching e whenever both carry the same Kind, so
// errors.Is(err, herrors.ErrNotFound) works regardless of which concrete
// *Error instance wraps which underlying cause.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}

	return e.Kind == te.Kind
}

// New builds an error of the given Kind whose cause is a plain error
// carrying msg.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Cause: errors.New(msg)}
}

// Wrap attaches a Kind to an existing error for logging and reply mapping.
// Returns nil if cause is nil.
func Wrap(kind Kind, cause error) error {
	if cause == nil {
		return nil
	}

	return &Error{Kind: kind, Cause: cause}
}

// As reports whether err carries a herrors.Error and returns its Kind.
func As(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}

	return 0, false
}

// Is reports whether err's Kind equals kind.
func Is(err error, kind Kind) bool {
	k, ok := As(err)
	return ok && k == kind
}

var (
	// ErrNotFound is the sentinel returned by manager lookups that find no
	// active wrapper. Use errors.Is against this value, or herrors.As for
	// the Kind when the concrete cause matters.
	ErrNotFound = New(KindNotFound, "set does not exist")
	// ErrExists is returned by create when an active wrapper is present.
	ErrExists = New(KindExists, "set already exists")
	// ErrDeletePending is returned by create when a delete for the name has
	// not yet been reclaimed by the vacuum.
	ErrDeletePending = New(KindDeletePending, "delete in progress")
	// ErrNotProxied is returned by clear when the sketch is still resident.
	ErrNotProxied = New(KindNotProxied, "set is not proxied")
	// ErrBadArguments is returned by the protocol parser for malformed input.
	ErrBadArguments = New(KindBadArguments, "bad arguments")
)
