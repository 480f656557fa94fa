package stt

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a provider error by how a caller should react to it.
type ErrorKind int

const (
	// ErrorOther is any error not covered by a more specific kind. Listening
	// should stop.
	ErrorOther ErrorKind = iota

	// ErrorNetwork is a connectivity failure. It is transient.
	ErrorNetwork

	// ErrorAborted means the provider aborted the recognition. It is transient.
	ErrorAborted

	// ErrorNoSpeech means nothing intelligible was heard. It ends the current
	// attempt like a normal end of stream.
	ErrorNoSpeech

	// ErrorNotAllowed means the provider refused access (e.g. microphone or
	// account permission).
	ErrorNotAllowed
)

// String returns the lowercase name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorNetwork:
		return "network"
	case ErrorAborted:
		return "aborted"
	case ErrorNoSpeech:
		return "no-speech"
	case ErrorNotAllowed:
		return "not-allowed"
	default:
		return "other"
	}
}

// Transient reports whether an error of this kind is retried automatically.
func (k ErrorKind) Transient() bool {
	return k == ErrorNetwork || k == ErrorAborted
}

// Error is a classified provider error delivered on a session's event stream.
type Error struct {
	Kind ErrorKind
	Err  error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stt: %s error", e.Kind)
	}
	return fmt.Sprintf("stt: %s error: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// NewError returns an *Error of the given kind wrapping err.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the ErrorKind carried by err, or ErrorOther if err is not an
// *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrorOther
}
