package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a domain failure so callers can branch on the category
// instead of matching error strings.
type Kind int

const (
	KindInvalid Kind = iota + 1
	KindNotFound
	KindConflict
	KindInvariant
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvariant:
		return "invariant_violation"
	case KindInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

// Error is the single error type surfaced by the reservation state machine.
type Error struct {
	Kind Kind
	Code string
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

func NewInvalid(code, msg string) *Error {
	return &Error{Kind: KindInvalid, Code: code, msg: msg}
}

func NewNotFound(code, msg string) *Error {
	return &Error{Kind: KindNotFound, Code: code, msg: msg}
}

func NewConflict(code, msg string) *Error {
	return &Error{Kind: KindConflict, Code: code, msg: msg}
}

func NewInvariant(code, msg string) *Error {
	return &Error{Kind: KindInvariant, Code: code, msg: msg}
}

func NewInfrastructure(msg string, err error) *Error {
	return &Error{Kind: KindInfrastructure, Code: "infrastructure", msg: msg, err: err}
}

// KindOf reports the Kind carried by err, or zero when err is not a domain error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}

// CodeOf reports the machine-readable code carried by err, if any.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

func IsInvalid(err error) bool        { return KindOf(err) == KindInvalid }
func IsNotFound(err error) bool       { return KindOf(err) == KindNotFound }
func IsConflict(err error) bool       { return KindOf(err) == KindConflict }
func IsInvariant(err error) bool      { return KindOf(err) == KindInvariant }
func IsInfrastructure(err error) bool { return KindOf(err) == KindInfrastructure }

var (
	ErrReservationNotFound = NewNotFound("reservation_not_found", "reservation not found")
	ErrInventoryNotFound   = NewNotFound("inventory_not_found", "inventory unit not found")
	ErrReservationInactive = NewConflict("reservation_inactive", "reservation is no longer active")
	ErrNotOwner            = NewConflict("not_owner", "reservation belongs to another user")
)

// ErrInsufficientInventory names the offending unit and its availability so
// the caller can report exactly which line item failed.
func ErrInsufficientInventory(unitID string, requested, available int) *Error {
	return NewConflict("insufficient_inventory",
		fmt.Sprintf("insufficient inventory for unit %s: requested %d, available %d", unitID, requested, available))
}
