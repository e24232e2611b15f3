package utils

import (
	"math"

	"github.com/pkg/errors"
)

// CheckedMul returns count*size, failing with ErrOverflow if the
// multiplication cannot be represented in an int. Every deep copy of a
// caller-supplied list must size its allocation through this helper.
func CheckedMul(count, size int) (int, error) {
	if count < 0 || size < 0 {
		return 0, errors.Wrapf(ErrInvalidArgument, "negative size computation %d*%d", count, size)
	}
	if size != 0 && count > math.MaxInt/size {
		return 0, errors.Wrapf(ErrOverflow, "size computation %d*%d", count, size)
	}
	return count * size, nil
}
