package utils

import (
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestCodeFromError(t *testing.T) {
	test.That(t, CodeFromError(nil), test.ShouldEqual, CodeOK)
	test.That(t, CodeFromError(NewInvalidArgumentError("bad")), test.ShouldEqual, CodeInvalidArgument)
	test.That(t, CodeFromError(NewNotFoundError("gone")), test.ShouldEqual, CodeNotFound)
	test.That(t, CodeFromError(errors.Wrap(ErrCanceled, "flushed")), test.ShouldEqual, CodeCanceled)
	test.That(t, CodeFromError(errors.Wrap(ErrOverflow, "mul")), test.ShouldEqual, CodeOverflow)
	// Unrecognized errors still round-trip a code.
	test.That(t, CodeFromError(errors.New("mystery")), test.ShouldEqual, CodeIOFailure)
}
