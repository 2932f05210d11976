// Package operr provides the classified error types shared by the opsmith
// planning and execution pipeline.
package operr

import (
	"errors"
	"fmt"
)

// Class represents the classification of an error for abort and reporting logic.
type Class string

const (
	// ClassDefinition indicates the deploy source or inventory is missing or
	// unparseable. Fatal: a run never reaches execution.
	ClassDefinition Class = "definition"

	// ClassGather indicates a transport failure while probing a fact.
	// Propagated to evaluation logic; distinct from "tool absent", which is
	// resolved through the fact's default and never becomes an error.
	ClassGather Class = "gather"

	// ClassOperation indicates a non-zero exit from a state-changing command
	// on one host. Recorded and aggregated, never raised individually.
	ClassOperation Class = "operation"

	// ClassThreshold indicates the per-operation failure fraction exceeded
	// the configured fail percent. Aborts the run.
	ClassThreshold Class = "threshold"

	// ClassTransport indicates connectivity loss to a host during dispatch.
	ClassTransport Class = "transport"
)

// Error is a classified error with host and operation context.
type Error struct {
	// Class is the error classification.
	Class Class

	// Message is the human-readable error message.
	Message string

	// Host is the host the error relates to, if any.
	Host string

	// Op is the operation name being performed when the error occurred.
	Op string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Host != "" && e.Op != "" {
		msg = fmt.Sprintf("[%s] %s (host=%s, op=%s)", e.Class, e.Message, e.Host, e.Op)
	} else if e.Host != "" {
		msg = fmt.Sprintf("[%s] %s (host=%s)", e.Class, e.Message, e.Host)
	} else {
		msg = fmt.Sprintf("[%s] %s", e.Class, e.Message)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// WithHost adds host context to an error.
func (e *Error) WithHost(host string) *Error {
	e.Host = host
	return e
}

// WithOp adds operation context to an error.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithHost annotates an error with host context, preserving its class.
// Unclassified errors become operation failures.
func WithHost(err error, host string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		annotated := *e
		annotated.Host = host
		return &annotated
	}
	return &Error{Class: ClassOperation, Message: err.Error(), Host: host, Err: err}
}

// WithOp annotates an error with operation context, preserving its class.
func WithOp(err error, op string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		annotated := *e
		annotated.Op = op
		return &annotated
	}
	return &Error{Class: ClassOperation, Message: err.Error(), Op: op, Err: err}
}

// NewDefinitionError creates a new definition error.
func NewDefinitionError(message string, err error) *Error {
	return &Error{Class: ClassDefinition, Message: message, Err: err}
}

// NewGatherError creates a new gather error.
func NewGatherError(message string, err error) *Error {
	return &Error{Class: ClassGather, Message: message, Err: err}
}

// NewOperationError creates a new per-host operation failure.
func NewOperationError(message string, err error) *Error {
	return &Error{Class: ClassOperation, Message: message, Err: err}
}

// NewThresholdError creates a new threshold-exceeded error.
func NewThresholdError(message string, err error) *Error {
	return &Error{Class: ClassThreshold, Message: message, Err: err}
}

// NewTransportError creates a new transport error.
func NewTransportError(message string, err error) *Error {
	return &Error{Class: ClassTransport, Message: message, Err: err}
}

// IsDefinition returns true if the error is classified as a definition error.
func IsDefinition(err error) bool { return hasClass(err, ClassDefinition) }

// IsGather returns true if the error is classified as a gather error.
func IsGather(err error) bool { return hasClass(err, ClassGather) }

// IsOperation returns true if the error is classified as a per-host operation failure.
func IsOperation(err error) bool { return hasClass(err, ClassOperation) }

// IsThreshold returns true if the error is classified as a threshold breach.
func IsThreshold(err error) bool { return hasClass(err, ClassThreshold) }

// IsTransport returns true if the error is classified as a transport error.
func IsTransport(err error) bool { return hasClass(err, ClassTransport) }

func hasClass(err error, class Class) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}
