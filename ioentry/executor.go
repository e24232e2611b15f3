package ioentry

import (
	"context"
)

// Executor executes a resolved list of register operations against a device's
// register space. Implementations live outside the scheduling core; the fake
// package provides a register-map-backed one for tests.
//
// Execution is fail-fast: the first failing entry aborts the remaining
// entries. The returned completion index is the index of the last entry that
// completed successfully, or -1 if none did. Results contains one element per
// read-type entry that completed. Already-executed writes are never rolled
// back.
type Executor interface {
	Execute(ctx context.Context, entries []Entry) (results []Result, completionIndex int, err error)
}

// BlockLister is optionally implemented by executors that know their device's
// register block layout. Device info reporting includes the block ids when the
// executor provides them.
type BlockLister interface {
	Blocks() []int32
}
