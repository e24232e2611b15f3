// Package ioentry defines the resolved register I/O operations that make up
// transaction and periodic I/O batches, plus the executor interface that
// carries them out against a device's register space.
package ioentry

import (
	"time"

	"go.viam.com/devio/utils"
)

// Type enumerates the supported register operations.
type Type int

const (
	// TypeRead reads a single native-width value.
	TypeRead Type = iota
	// TypeWrite writes a single native-width value.
	TypeWrite
	// TypeReadBatch reads Size bytes starting at Offset.
	TypeReadBatch
	// TypeWriteBatch writes the Buf bytes starting at Offset.
	TypeWriteBatch
	// TypeModify performs a read-modify-write of Value under Mask.
	TypeModify
	// TypePoll polls the register until (value & Mask) == Value or Timeout.
	TypePoll
	// TypeReadAssert reads the register and fails unless
	// (value & Mask) == Value.
	TypeReadAssert
)

func (t Type) String() string {
	switch t {
	case TypeRead:
		return "read"
	case TypeWrite:
		return "write"
	case TypeReadBatch:
		return "read_batch"
	case TypeWriteBatch:
		return "write_batch"
	case TypeModify:
		return "modify"
	case TypePoll:
		return "poll"
	case TypeReadAssert:
		return "read_assert"
	default:
		return "unknown"
	}
}

// MaxEntries bounds the size of a single submitted entry list.
const MaxEntries = 2048

// Entry is a single resolved read/write/modify/poll register operation.
type Entry struct {
	Type   Type
	Block  int32
	Offset uint64
	Value  uint64
	Mask   uint64

	// Size and Buf apply to batch operations only.
	Size int
	Buf  []byte

	// Timeout applies to poll operations only.
	Timeout time.Duration
}

// Result carries the bytes read back by a read-type entry.
type Result struct {
	Block  int32
	Offset uint64
	Values []byte
}

// Validate checks an entry for internal consistency.
func (e Entry) Validate() error {
	switch e.Type {
	case TypeRead, TypeWrite, TypeModify, TypeReadAssert:
		return nil
	case TypeReadBatch:
		if e.Size <= 0 {
			return utils.NewInvalidArgumentError("read batch with size %d", e.Size)
		}
		return nil
	case TypeWriteBatch:
		if len(e.Buf) == 0 {
			return utils.NewInvalidArgumentError("write batch with empty buffer")
		}
		return nil
	case TypePoll:
		if e.Timeout <= 0 {
			return utils.NewInvalidArgumentError("poll with timeout %v", e.Timeout)
		}
		return nil
	default:
		return utils.NewInvalidArgumentError("unrecognized entry type %d", e.Type)
	}
}

// Copy validates and deep-copies a caller-supplied entry list. The list is
// bounded by maxEntries and every derived allocation size is overflow-checked
// before copying, so a malformed list can never mutate engine state.
func Copy(entries []Entry, maxEntries int) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, utils.NewInvalidArgumentError("empty entry list")
	}
	if len(entries) > maxEntries {
		return nil, utils.NewInvalidArgumentError("entry list of %d exceeds maximum %d",
			len(entries), maxEntries)
	}
	if _, err := utils.CheckedMul(len(entries), entrySize); err != nil {
		return nil, err
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		out[i] = e
		if e.Type == TypeWriteBatch {
			if _, err := utils.CheckedMul(len(e.Buf), 1); err != nil {
				return nil, err
			}
			out[i].Buf = append([]byte(nil), e.Buf...)
		}
	}
	return out, nil
}

// entrySize approximates the in-memory footprint of one entry for the
// mandatory overflow check on count*size.
const entrySize = 64
