package blackboard

import (
	"errors"
	"fmt"
)

// ErrorKind classifies blackboard contract violations. All of them are programming or
// contract errors and are fatal to the cycle that hits them.
type ErrorKind string

const (
	KindUnauthorizedWriter ErrorKind = "unauthorized_writer"
	KindSlotNotReady       ErrorKind = "slot_not_ready"
	KindVersionConflict    ErrorKind = "version_conflict"
)

// Sentinel errors for errors.Is matching against *Error.
var (
	ErrUnauthorizedWriter = &Error{Kind: KindUnauthorizedWriter}
	ErrSlotNotReady       = &Error{Kind: KindSlotNotReady}
	ErrVersionConflict    = &Error{Kind: KindVersionConflict}
)

// Error is a blackboard contract violation.
type Error struct {
	Kind    ErrorKind
	Slot    string
	CycleID string
	Detail  string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("blackboard %s", e.Kind)
	if e.Slot != "" {
		msg += fmt.Sprintf(" on slot %q", e.Slot)
	}
	if e.CycleID != "" {
		msg += fmt.Sprintf(" (cycle %s)", e.CycleID)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrSlotNotReady) works
// regardless of slot or cycle.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// IsContractError reports whether err is any blackboard contract violation.
func IsContractError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
