// Package ragerr defines the error taxonomy shared by every component of
// the retrieval core, independent of transport (HTTP status codes are
// mapped from these kinds at the API boundary, not baked in here).
package ragerr

import "errors"

// Kind classifies an error for the purposes of caller-visible policy.
type Kind string

const (
	InvalidInput         Kind = "invalid_input"
	NotFound             Kind = "not_found"
	DimensionMismatch    Kind = "dimension_mismatch"
	PersistenceError     Kind = "persistence_error"
	EmbeddingUnavailable Kind = "embedding_unavailable"
	UpstreamUnavailable  Kind = "upstream_unavailable"
	Cancelled            Kind = "cancelled"
)

// Error wraps an underlying cause with a Kind so callers can branch on
// policy (surface to caller, log-and-retain, roll back, etc.) without
// string-matching messages.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or "" if err doesn't carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
