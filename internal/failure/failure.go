// Package failure classifies the outcomes an exchange operation can end with.
//
// Rejections and stale-state conflicts are expected business results and are
// returned to the caller as values. Compensation faults mean the ledger may be
// inconsistent and must reach an operator.
package failure

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindRejection
	KindStaleState
	KindCompensation
)

func (k Kind) String() string {
	switch k {
	case KindRejection:
		return "rejection"
	case KindStaleState:
		return "stale_state"
	case KindCompensation:
		return "compensation"
	default:
		return "unknown"
	}
}

type Code string

const (
	CodeNotFound           Code = "not_found"
	CodeForbidden          Code = "forbidden"
	CodeInvalidInput       Code = "invalid_input"
	CodeInsufficientStock  Code = "insufficient_stock"
	CodeListingUnavailable Code = "listing_unavailable"
	CodeListingExpired     Code = "listing_expired"
	CodeSelfRequest        Code = "self_request"
	CodeAlreadyResolved    Code = "already_resolved"
	CodeBusy               Code = "resolution_in_progress"
	CodeInvalidTransition  Code = "invalid_transition"
	CodeStaleState         Code = "stale_state"
	CodeInconsistent       Code = "ledger_inconsistent"
)

type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Err     error

	base *Error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets a detailed error built with Rejectf still match its sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e == t || (e.base != nil && e.base == t)
}

var (
	ErrListingNotFound    = &Error{Kind: KindRejection, Code: CodeNotFound, Message: "listing not found"}
	ErrRequestNotFound    = &Error{Kind: KindRejection, Code: CodeNotFound, Message: "request not found"}
	ErrForbidden          = &Error{Kind: KindRejection, Code: CodeForbidden, Message: "actor is not allowed to perform this action"}
	ErrInvalidInput       = &Error{Kind: KindRejection, Code: CodeInvalidInput, Message: "invalid input"}
	ErrInsufficientStock  = &Error{Kind: KindRejection, Code: CodeInsufficientStock, Message: "quantity no longer available"}
	ErrListingUnavailable = &Error{Kind: KindRejection, Code: CodeListingUnavailable, Message: "listing is not available"}
	ErrListingExpired     = &Error{Kind: KindRejection, Code: CodeListingExpired, Message: "listing has expired"}
	ErrSelfRequest        = &Error{Kind: KindRejection, Code: CodeSelfRequest, Message: "cannot request your own listing"}
	ErrAlreadyResolved    = &Error{Kind: KindRejection, Code: CodeAlreadyResolved, Message: "request can no longer be changed"}
	ErrBusy               = &Error{Kind: KindRejection, Code: CodeBusy, Message: "request is being resolved, retry shortly"}
	ErrInvalidTransition  = &Error{Kind: KindRejection, Code: CodeInvalidTransition, Message: "listing cannot move to the requested status"}
	ErrStaleState         = &Error{Kind: KindStaleState, Code: CodeStaleState, Message: "stock changed since this request was made"}
	ErrInconsistent       = &Error{Kind: KindCompensation, Code: CodeInconsistent, Message: "ledger left inconsistent, manual reconciliation required"}
)

// Rejectf returns a copy of sentinel with a more specific message.
func Rejectf(sentinel *Error, format string, args ...any) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Message: fmt.Sprintf(format, args...), base: sentinel}
}

// Compensation wraps the underlying cause of an unrecoverable inconsistency.
func Compensation(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindCompensation, Code: CodeInconsistent, Message: fmt.Sprintf(format, args...), Err: cause, base: ErrInconsistent}
}

func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

func IsBusiness(err error) bool {
	k := KindOf(err)
	return k == KindRejection || k == KindStaleState
}
