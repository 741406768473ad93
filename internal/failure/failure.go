// Package failure defines the error kinds surfaced by the grocery engine.
//
// Every error returned across a component boundary is a *Error carrying the
// kind, the operation that failed and the offending identifier, so callers
// can phrase a response without parsing messages. Kinds are themselves
// errors and match with errors.Is through any amount of wrapping:
//
//	if errors.Is(err, failure.Busy) {
//		// retry with backoff
//	}
package failure

import (
	"strings"

	"github.com/go-faster/errors"
)

// Kind classifies an engine error.
type Kind string

const (
	// NotFound means an unknown item, cart line or order id.
	NotFound Kind = "not_found"
	// InvalidQuantity means a non-positive quantity.
	InvalidQuantity Kind = "invalid_quantity"
	// InvalidInput means a malformed request such as a blank customer name
	// or an empty cart at placement.
	InvalidInput Kind = "invalid_input"
	// InvalidTransition means an illegal order lifecycle move.
	InvalidTransition Kind = "invalid_transition"
	// Busy means the ledger lock could not be acquired in time. It is the
	// only retryable kind.
	Busy Kind = "busy"
	// CorruptData means persisted content failed to parse or validate.
	CorruptData Kind = "corrupt_data"
	// IOError means the underlying storage failed after bounded retries.
	IOError Kind = "io_error"
)

// Error implements error so that a Kind can be used as an errors.Is target.
func (k Kind) Error() string {
	return strings.ReplaceAll(string(k), "_", " ")
}

// Error is a classified engine error.
type Error struct {
	Kind Kind
	// Op names the failed operation, e.g. "cart.add".
	Op string
	// Subject is the offending identifier (item id, order id, file path).
	Subject string
	// Message is an optional human-readable detail.
	Message string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Subject != "" {
		b.WriteString(" ")
		b.WriteString(e.Subject)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the kind of e.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New returns an Error of the given kind.
func New(kind Kind, op, subject, message string) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Message: message}
}

// Wrap returns an Error of the given kind caused by err.
func Wrap(kind Kind, op, subject string, err error) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when err
// is nil or unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// SubjectOf returns the offending identifier carried by err, if any.
func SubjectOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Subject
	}
	return ""
}

// Retryable reports whether the caller should retry err with backoff.
func Retryable(err error) bool {
	return errors.Is(err, Busy)
}
