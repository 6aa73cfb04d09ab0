// Package errors provides the error taxonomy used across esbench experiments.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind classifies an error by how the runner must react to it.
type Kind uint8

const (
	// KindUnknown is an unclassified failure.
	KindUnknown Kind = iota
	// KindConfiguration marks invalid or missing configuration. Fatal before
	// any iteration runs.
	KindConfiguration
	// KindNumerical marks optimizer divergence: a covariance that is not
	// positive definite, or non-finite fitness values. Fatal for the repetition.
	KindNumerical
	// KindCheckpointIO marks a failure to persist or load optimizer state.
	// Recoverable on save.
	KindCheckpointIO
	// KindState marks a call that is invalid in the job's current lifecycle state.
	KindState
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindNumerical:
		return "numerical"
	case KindCheckpointIO:
		return "checkpoint_io"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrNumerical     = &Error{Kind: KindNumerical}
	ErrCheckpointIO  = &Error{Kind: KindCheckpointIO}
	ErrState         = &Error{Kind: KindState}
)

// Error represents an error with context and stack trace.
type Error struct {
	// The underlying error that was returned
	Err error
	// A human-readable message describing the error
	Message string
	// The operation that was being performed when the error occurred
	Operation string
	// The component or package where the error occurred
	Component string
	// Kind classifies the failure
	Kind Kind
	// The stack trace
	Stack []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var builder strings.Builder

	if e.Kind != KindUnknown {
		builder.WriteString(e.Kind.String())
		builder.WriteString(" error")
	}

	if e.Message != "" {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString(e.Message)
	}

	if e.Operation != "" {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString("operation=")
		builder.WriteString(e.Operation)
	}

	if e.Component != "" {
		if builder.Len() > 0 {
			builder.WriteString(", ")
		}
		builder.WriteString("component=")
		builder.WriteString(e.Component)
	}

	if e.Err != nil {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString(e.Err.Error())
	}

	return builder.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind. A target carrying a message only
// matches itself.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message != "" || t.Err != nil {
		return e == t
	}
	return t.Kind != KindUnknown && e.Kind == t.Kind
}

// WithMessage adds a message to the error.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithOperation adds an operation to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithComponent adds a component to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// StackTrace returns the stack trace as a slice of strings.
func (e *Error) StackTrace() []string {
	return e.Stack
}

// New creates a new error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{
		Kind:    kind,
		Message: msg,
		Stack:   getStackTrace(),
	}
}

// Errorf creates a new error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Stack:   getStackTrace(),
	}
}

// Wrap wraps err with a kind and message. If err is nil, Wrap returns nil.
// An existing kind on err is kept when kind is KindUnknown.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	if kind == KindUnknown {
		kind = KindOf(err)
	}
	return &Error{
		Err:     err,
		Kind:    kind,
		Message: msg,
		Stack:   getStackTrace(),
	}
}

// Wrapf wraps err with a kind and a formatted message.
func Wrapf(err error, kind Kind, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return Wrap(err, kind, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if stderrors.As(err, &e) {
			if e.Kind != KindUnknown {
				return e.Kind
			}
			err = e.Err
			continue
		}
		break
	}
	return KindUnknown
}

// getStackTrace returns the current stack trace as a slice of strings.
func getStackTrace() []string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // Skip runtime.Callers, getStackTrace, and the constructor
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]string, 0, n)

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") && !strings.Contains(frame.File, "internal/errors") {
			stack = append(stack, fmt.Sprintf("%s\n\t%s:%d", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}

	return stack
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if err's
// type contains an Unwrap method returning error.
// Otherwise, Unwrap returns nil.
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}

// Join returns an error that wraps the given errors.
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}
