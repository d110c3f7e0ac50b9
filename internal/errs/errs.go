// Package errs defines the typed error kinds shared across the tunnel mesh
// engine so callers can branch on failure class without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation-policy decisions (spec §7):
// per-connection RESET, session teardown, or process abort.
type Kind string

const (
	Malformed      Kind = "MALFORMED"
	Crypto         Kind = "CRYPTO"
	Unauthenticated Kind = "UNAUTHENTICATED"
	Replay         Kind = "REPLAY"
	NotLeader      Kind = "NOT_LEADER"
	Unavailable    Kind = "UNAVAILABLE"
	Timeout        Kind = "TIMEOUT"
	Exhausted      Kind = "EXHAUSTED"
	StoreIO        Kind = "STORE_IO"
	Consistency    Kind = "CONSISTENCY"
	Cancelled      Kind = "CANCELLED"
)

// Error wraps a Kind with a message and optional cause, following the
// %w-chain convention used throughout this codebase.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, errs.Sentinel(errs.Replay)) work against a bare Kind sentinel by
// comparing the Kind field rather than pointer identity.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the Kind from err, returning "" if err does not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Sentinel returns a zero-message *Error of the given kind, suitable for use
// with errors.Is(err, errs.Sentinel(errs.Replay)).
func Sentinel(k Kind) *Error { return &Error{Kind: k} }

// PoisonsStore reports whether a Kind should abort the process per spec §7
// (Consistency, StoreIO after retries are exhausted).
func PoisonsStore(k Kind) bool {
	return k == Consistency || k == StoreIO
}
