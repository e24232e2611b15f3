package utils

import (
	"github.com/pkg/errors"
)

// Result codes round-tripped to clients in response headers and fence
// statuses. Failures are negative, errno-style; CodeCancellation is the one
// positive status, reported on fences whose transaction was canceled.
const (
	CodeOK           int32 = 0
	CodeCancellation int32 = 1

	CodeNotFound          int32 = -2
	CodeIOFailure         int32 = -5
	CodeTryAgain          int32 = -11
	CodeResourceExhausted int32 = -12
	CodeInvalidArgument   int32 = -22
	CodeOverflow          int32 = -75
	CodeUnsupported       int32 = -95
	CodeAlreadyInState    int32 = -114
	CodeCanceled          int32 = -125
)

// CodeFromError maps an error to its result code. Unrecognized errors map to
// CodeIOFailure so a code is always round-tripped.
func CodeFromError(err error) int32 {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrResourceExhausted):
		return CodeResourceExhausted
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAlreadyInState):
		return CodeAlreadyInState
	case errors.Is(err, ErrOverflow):
		return CodeOverflow
	case errors.Is(err, ErrUnsupported):
		return CodeUnsupported
	case errors.Is(err, ErrCanceled):
		return CodeCanceled
	default:
		return CodeIOFailure
	}
}
