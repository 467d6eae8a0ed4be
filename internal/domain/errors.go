package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies execution failures so that retryability is a data
// property the scheduler can branch on, not something inferred from
// message text.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindRegionUnavailable
	KindTransient
	KindCollaborator
	KindInvalidState
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRegionUnavailable:
		return "region_unavailable"
	case KindTransient:
		return "transient"
	case KindCollaborator:
		return "collaborator"
	case KindInvalidState:
		return "invalid_state"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

// Error tags a failure with its kind. Permanent only applies to
// collaborator failures the downstream system marked as unrecoverable.
type Error struct {
	Kind      ErrorKind
	Permanent bool
	Msg       string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func RegionUnavailable(region string) error {
	return &Error{Kind: KindRegionUnavailable, Msg: "region unavailable: " + region}
}

func Transient(msg string, cause error) error {
	return &Error{Kind: KindTransient, Msg: msg, Cause: cause}
}

func Collaborator(msg string, cause error, permanent bool) error {
	return &Error{Kind: KindCollaborator, Msg: msg, Cause: cause, Permanent: permanent}
}

var (
	ErrNotFound     = &Error{Kind: KindNotFound, Msg: "job not found"}
	ErrInvalidState = &Error{Kind: KindInvalidState, Msg: "job is not in a cancellable state"}
	ErrClaimed      = &Error{Kind: KindInvalidState, Msg: "job already claimed"}
)

// KindOf extracts the kind of a tagged error; untagged errors are
// treated as transient so unexpected I/O faults still get retried.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// Retryable reports whether the scheduler may re-queue a job after this
// failure. RegionUnavailable is a configuration fault and never clears
// on its own; collaborator failures retry unless marked permanent.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return true
	}
	switch e.Kind {
	case KindTransient:
		return true
	case KindCollaborator:
		return !e.Permanent
	}
	return false
}
