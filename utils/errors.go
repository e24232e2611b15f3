package utils

import (
	"github.com/pkg/errors"
)

// Shared failure taxonomy. Every user-visible failure in devio wraps one of
// these sentinels so the command surface can round-trip a stable result code.
var (
	// ErrInvalidArgument is used for malformed descriptors, oversized
	// trigger-node counts and other caller mistakes.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrResourceExhausted is used for allocation and capacity failures.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrNotFound is used for unknown transaction, fence and event ids.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyInState is used for redundant state transitions such as a
	// fence double-signal or disabling an already-disabled device.
	ErrAlreadyInState = errors.New("already in requested state")
	// ErrOverflow is used when an integer size computation overflows.
	ErrOverflow = errors.New("integer overflow")
	// ErrUnsupported is used when an operation is not valid for a device.
	ErrUnsupported = errors.New("operation unsupported")
	// ErrIOFailure is used when an underlying bus or register transfer fails.
	ErrIOFailure = errors.New("i/o failure")
	// ErrCanceled is used for transactions canceled before execution.
	ErrCanceled = errors.New("canceled")
)

// NewNotFoundError annotates ErrNotFound with what was looked up.
func NewNotFoundError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrNotFound, format, args...)
}

// NewInvalidArgumentError annotates ErrInvalidArgument.
func NewInvalidArgumentError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}

// NewUnsupportedError annotates ErrUnsupported.
func NewUnsupportedError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrUnsupported, format, args...)
}
