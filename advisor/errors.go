// Package advisor implements the AI advisor conversation core: the
// streaming conversation engine, session lifecycle, and draft
// persistence for a per-contact coaching chat.
package advisor

import (
	"errors"
	"fmt"
)

// Base error definitions for the advisor core.
var (
	ErrEmptyInput         = errors.New("empty input")
	ErrSessionNotFound    = errors.New("session not found")
	ErrContactNotFound    = errors.New("contact not found")
	ErrMessageNotFound    = errors.New("message not found")
	ErrNotAIMessage       = errors.New("target message is not an AI message")
	ErrStreamInFlight     = errors.New("a response is already streaming for this session")
	ErrNoRegenerateSource = errors.New("no source input to regenerate from")
)

// ErrorKind categorizes errors surfaced by the engine. Callers only
// ever see this taxonomy, never raw transport or driver errors.
type ErrorKind int

const (
	// KindValidation: rejected before any write; not retryable.
	KindValidation ErrorKind = iota
	// KindTransport: network/API failure during streaming; retryable.
	KindTransport
	// KindRegenerateSource: three-tier fallback exhausted; not
	// retryable without new input.
	KindRegenerateSource
	// KindConflict: another stream is in flight for the session.
	KindConflict
	// KindPersistence: store write failed; retryable, in-memory
	// streaming state is preserved.
	KindPersistence
	// KindInternal: anything else.
	KindInternal
)

// String returns the string representation of ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransport:
		return "transport"
	case KindRegenerateSource:
		return "regenerate_source"
	case KindConflict:
		return "conflict"
	case KindPersistence:
		return "persistence"
	default:
		return "internal"
	}
}

// Retryable reports whether a retry affordance should be offered.
func (k ErrorKind) Retryable() bool {
	return k == KindTransport || k == KindPersistence
}

// transportError wraps a low-level transport failure.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return fmt.Sprintf("transport: %v", e.err) }
func (e *transportError) Unwrap() error { return e.err }

// persistenceError wraps a store write failure.
type persistenceError struct {
	op  string
	err error
}

func (e *persistenceError) Error() string { return fmt.Sprintf("persistence: %s: %v", e.op, e.err) }
func (e *persistenceError) Unwrap() error { return e.err }

func wrapTransport(err error) error {
	if err == nil {
		return nil
	}
	return &transportError{err: err}
}

func wrapPersistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &persistenceError{op: op, err: err}
}

// Classify maps an engine error to its taxonomy kind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrEmptyInput),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrContactNotFound),
		errors.Is(err, ErrMessageNotFound),
		errors.Is(err, ErrNotAIMessage):
		return KindValidation
	case errors.Is(err, ErrStreamInFlight):
		return KindConflict
	case errors.Is(err, ErrNoRegenerateSource):
		return KindRegenerateSource
	}

	var te *transportError
	if errors.As(err, &te) {
		return KindTransport
	}
	var pe *persistenceError
	if errors.As(err, &pe) {
		return KindPersistence
	}
	return KindInternal
}
