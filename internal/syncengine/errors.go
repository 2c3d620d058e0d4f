package syncengine

import (
	"errors"
	"fmt"

	"convsync/internal/transport"
)

var (
	// ErrProcessingFailed is recorded when the server reports status "error".
	ErrProcessingFailed = errors.New("conversation processing failed")

	// ErrEngineClosed is returned by operations invoked after Close.
	ErrEngineClosed = errors.New("engine is closed")

	// ErrEmptyMessage is returned when a send carries neither text nor files.
	ErrEmptyMessage = errors.New("message is empty")
)

// ErrorKind classifies errors captured into State.Error.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindTransport     ErrorKind = "transport"
	KindTool          ErrorKind = "tool"
	KindProcessing    ErrorKind = "processing"
)

// Error is the error recorded in State.Error and passed to OnError.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of an engine error, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	return ""
}

func classify(op string, err error) *Error {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr
	}
	kind := KindTransport
	switch {
	case errors.Is(err, transport.ErrMissingCredential):
		kind = KindConfiguration
	case errors.Is(err, ErrProcessingFailed):
		kind = KindProcessing
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
