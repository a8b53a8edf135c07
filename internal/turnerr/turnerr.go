package turnerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure by the part of the turn pipeline it came from
type Kind int

const (
	Unknown Kind = iota
	Transcription
	Generation
	Synthesis
	Persistence
	Protocol
	Connection
	Timeout
)

// String returns the wire code used in client error events
func (k Kind) String() string {
	switch k {
	case Transcription:
		return "transcription_error"
	case Generation:
		return "generation_error"
	case Synthesis:
		return "synthesis_error"
	case Persistence:
		return "persistence_error"
	case Protocol:
		return "protocol_error"
	case Connection:
		return "connection_error"
	case Timeout:
		return "timeout"
	default:
		return "unknown_error"
	}
}

// Error is a classified pipeline error
type Error struct {
	Kind Kind
	Op   string // e.g. "whisper transcribe", "openai stream"
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf creates a classified error from a format string
func Errorf(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Unclassified deadline errors are reported as Timeout.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Unknown
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Classify wraps err with kind unless it already carries a classification.
// Deadline errors become Timeout regardless of the requested kind.
func Classify(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Timeout, Op: op, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
