// Package errors wraps github.com/pkg/errors with a reporting hook so
// that fatal failures in the crypto and sequence-store layers can be
// surfaced to an external crash collector without every call site
// having to know about one.
package errors

import (
	stderrors "errors"

	pkgerrors "github.com/pkg/errors"
)

// New creates an error carrying a stack trace, same as pkgerrors.New.
func New(message string) error {
	return pkgerrors.New(message)
}

// Errorf formats an error carrying a stack trace.
func Errorf(format string, args ...interface{}) error {
	return pkgerrors.Errorf(format, args...)
}

// Wrap annotates err with a message and a stack trace at the call site.
// Returns nil if err is nil.
func Wrap(err error, message string) error {
	return pkgerrors.Wrap(err, message)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...interface{}) error {
	return pkgerrors.Wrapf(err, format, args...)
}

// WithStack annotates err with a stack trace at the call site.
func WithStack(err error) error {
	return pkgerrors.WithStack(err)
}

// NewWithReport creates an error and immediately forwards it to every
// registered Reporter. It is the counterpart of WrapAndReport for an
// error with no underlying cause; no call site in this module uses it.
func NewWithReport(message string) error {
	err := pkgerrors.New(message)
	report(err)
	return err
}

// WrapAndReport wraps err and forwards the wrapped error to every
// registered Reporter. Returns nil if err is nil.
func WrapAndReport(err error, message string) error {
	if err == nil {
		return nil
	}
	wrapped := pkgerrors.Wrap(err, message)
	report(wrapped)
	return wrapped
}

// Cause returns the underlying cause of err, if it implements Cause().
func Cause(err error) error {
	return pkgerrors.Cause(err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
