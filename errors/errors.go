// Package errors classifies failures across the rollout pipeline. Stage
// workers, the broker client and the persistence layer tag errors as
// transient, invalid or fatal. The worker runtime uses the class to defer a
// message, terminate it or stop the process.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Class tells the runtime what to do with a failed message.
type Class int

const (
	// Transient failures may succeed when tried again later.
	Transient Class = iota
	// Invalid failures come from input that will never be accepted.
	Invalid
	// Fatal failures mean the worker itself is misconfigured.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Invalid:
		return "invalid"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

var (
	ErrConnectionLost   = errors.New("connection lost")
	ErrQueueNotDeclared = errors.New("queue not declared")

	ErrInvalidData   = errors.New("invalid data format")
	ErrParsingFailed = errors.New("parsing failed")
	ErrMissingField  = errors.New("missing required field")
	ErrUnknownAction = errors.New("unknown action")

	ErrTimedOut           = errors.New("timed out waiting for environment")
	ErrExecutionFailed    = errors.New("external command failed")
	ErrUnresolvableTarget = errors.New("unresolvable target")
	ErrAmbiguousTarget    = errors.New("ambiguous target")

	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrKeyNotFound        = errors.New("key not found")

	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// sentinels gives a class to bare sentinel errors that were never wrapped.
var sentinels = []struct {
	err   error
	class Class
}{
	{ErrInvalidConfig, Fatal},
	{ErrMissingConfig, Fatal},
	{ErrAmbiguousTarget, Fatal},
	{ErrInvalidData, Invalid},
	{ErrParsingFailed, Invalid},
	{ErrMissingField, Invalid},
	{ErrConnectionLost, Transient},
	{ErrStorageUnavailable, Transient},
	{context.DeadlineExceeded, Transient},
}

// transientText matches driver and dial errors that carry no sentinel.
var transientText = []string{"connection refused", "connection reset", "temporary", "unavailable"}

// Error is an error tagged with a class and the place it was raised.
type Error struct {
	Class     Class
	Component string
	Operation string
	Action    string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s.%s: %s failed: %v", e.Component, e.Operation, e.Action, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classOf returns the class of the outermost tagged error or known sentinel.
func classOf(err error) (Class, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Class, true
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.class, true
		}
	}
	return Transient, false
}

// Classify returns the class of err. Unknown errors are transient.
func Classify(err error) Class {
	c, _ := classOf(err)
	return c
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if c, ok := classOf(err); ok {
		return c == Transient
	}
	msg := strings.ToLower(err.Error())
	for _, s := range transientText {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsInvalid reports whether err was caused by input that cannot be accepted.
func IsInvalid(err error) bool {
	c, ok := classOf(err)
	return ok && c == Invalid
}

// IsFatal reports whether err should stop the worker.
func IsFatal(err error) bool {
	c, ok := classOf(err)
	return ok && c == Fatal
}

// Wrap adds "component.operation: action failed" to err without classifying it.
func Wrap(err error, component, operation, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, operation, action, err)
}

func tag(class Class, err error, component, operation, action string) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Component: component, Operation: operation, Action: action, Err: err}
}

// WrapTransient tags err as transient.
func WrapTransient(err error, component, operation, action string) error {
	return tag(Transient, err, component, operation, action)
}

// WrapInvalid tags err as invalid input.
func WrapInvalid(err error, component, operation, action string) error {
	return tag(Invalid, err, component, operation, action)
}

// WrapFatal tags err as fatal.
func WrapFatal(err error, component, operation, action string) error {
	return tag(Fatal, err, component, operation, action)
}

// MissingField reports an absent payload field.
func MissingField(component, operation, field string) error {
	return WrapInvalid(fmt.Errorf("%w: %s", ErrMissingField, field), component, operation, "validate payload")
}

// Is, As and New mirror the standard library so callers need a single errors
// import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func New(text string) error { return errors.New(text) }
