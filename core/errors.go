package core

import (
	"errors"
	"fmt"
)

// Kind classifies a wallet-engine error so callers can branch on it without
// string matching. See spec §7 for the taxonomy this mirrors.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindNotConnected        Kind = "not_connected"
	KindAggregatorUnavail   Kind = "aggregator_unavailable"
	KindAggregatorRejected  Kind = "aggregator_rejected"
	KindTransferFailed      Kind = "transfer_failed"
	KindInvalidToken        Kind = "invalid_token"
	KindConflictingPublish  Kind = "conflicting_publish"
	KindInvalidRecipient    Kind = "invalid_recipient"
	KindPartialFailure      Kind = "partial_failure"
	KindFatal               Kind = "fatal"
)

// Error wraps a Kind with a human-readable message and an optional cause.
// Diagnostic context belongs in the wrapped cause; Message is the short
// user-visible string spec §7 calls for.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Meta carries kind-specific structured context, e.g. partial transfer
	// progress for KindTransferFailed/KindPartialFailure.
	Meta map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a Kind-tagged error. cause may be nil.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithMeta attaches structured context and returns the same *Error for
// chaining at the call site.
func (e *Error) WithMeta(key string, value any) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
	return e
}

// KindOf extracts the Kind from err, defaulting to KindFatal for errors that
// did not originate in this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// IsKind reports whether err (or any error it wraps) carries the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
